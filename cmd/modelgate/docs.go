package main

// General API documentation for swaggo. Run `make swagger-gen` to generate docs.
//
// @title           modelgate API
// @version         1.0
// @description     HTTP API for pooled LLM backend management, generation and embeddings.
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @schemes http
