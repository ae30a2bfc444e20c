// Package models contains GORM-specific persistence models that map to database tables.
// These models are separate from domain types to keep the domain layer pure and free
// from ORM concerns.
//
// Key Principles:
// 1. Domain types carry no GORM tags or infrastructure concerns
// 2. Persistence models contain all GORM annotations and table mappings
// 3. Mappers convert between domain types and persistence models
// 4. Repositories use persistence models for database operations
//
// Structure:
// - base.go: timestamp fields shared by all models
// - lot.go: stock lots (stock_lots)
// - allocation_record.go: committed lot-to-transaction records (allocation_records)
// - tax_rate.go: configured tax rates per item (item_tax_rates)
package models
