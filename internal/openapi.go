//go:generate go run github.com/swaggo/swag/v2/cmd/swag init --parseInternal --outputTypes json -g openapi.go -o .
package internal

// @title         alexandria enrichment api
// @version       1.0
// @description   Book-metadata enrichment: push-path ISBN enrichment and
// @description   pull-path AI backfill over a multi-provider cascade.
//
// @contact.url   https://github.com/jukasdrj/alexandria
//
// @license.name  MIT
