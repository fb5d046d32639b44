package main

// General API documentation for swaggo. Generate with `swag init -g cmd/scribed/docs.go`.
//
// @title           scribed API
// @version         1.0
// @description     Transcription task submission, results and shared GPU/RAM resource status.
//
// @contact.name   scribed maintainers
//
// @license.name   MIT
// @license.url    https://opensource.org/licenses/MIT
//
// @BasePath  /
//
// @securityDefinitions.apikey  BearerAuth
// @in                          header
// @name                        Authorization
//
// @schemes http
