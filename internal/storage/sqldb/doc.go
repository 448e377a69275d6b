// Package sqldb opens MySQL or SQLite connection pools and applies the embedded
// schema migrations for the selected dialect. Both dialects accept "?"
// placeholders, so repositories share their SQL text.
package sqldb
