package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// machineRow is the persisted shape of a MachineRecord. Aliases, combos, API
// keys and pricing are stored as JSON blobs, mirroring how connections keep
// provider-specific extras.
type machineRow struct {
	ID           string `gorm:"primaryKey"`
	ModelAliases string // JSON object alias -> target
	Combos       string // JSON array of Combo
	APIKeys      string // JSON array of strings
	Pricing      string // JSON provider -> model -> rates
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (machineRow) TableName() string { return "machines" }

// connectionRow is the persisted shape of a ProviderConnection.
type connectionRow struct {
	ID               string `gorm:"primaryKey"`
	MachineID        string `gorm:"index"`
	Provider         string `gorm:"index"`
	AuthType         string
	Name             string
	Priority         int  `gorm:"default:999"`
	IsActive         bool `gorm:"default:true"`
	APIKey           string
	AccessToken      string
	RefreshToken     string
	IDToken          string
	Scope            string
	TokenType        string
	ExpiresAt        time.Time
	ProjectID        string
	ProviderSpecific string // JSON blob
	Status           string `gorm:"default:active"`
	LastError        string
	ErrorCode        int
	RateLimitedUntil *time.Time
	BackoffLevel     int
	LastErrorAt      *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (connectionRow) TableName() string { return "provider_connections" }

// SQLiteStore implements ConfigStore on a local SQLite database.
type SQLiteStore struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) the database at path and runs migrations.
func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&machineRow{}, &connectionRow{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStore wraps an existing gorm handle (used by tests).
func NewSQLiteStore(db *gorm.DB) (*SQLiteStore, error) {
	if err := db.AutoMigrate(&machineRow{}, &connectionRow{}); err != nil {
		return nil, err
	}
	return &SQLiteStore{db: db}, nil
}

// GetMachine loads the machine row plus all of its connections.
func (s *SQLiteStore) GetMachine(ctx context.Context, machineID string) (*MachineRecord, error) {
	var row machineRow
	if err := s.db.WithContext(ctx).First(&row, "id = ?", machineID).Error; err != nil {
		return nil, fmt.Errorf("machine %s: %w", machineID, err)
	}

	rec := &MachineRecord{
		MachineID:    row.ID,
		Providers:    map[string]*ProviderConnection{},
		ModelAliases: map[string]string{},
	}
	decodeJSON(row.ModelAliases, &rec.ModelAliases)
	decodeJSON(row.Combos, &rec.Combos)
	decodeJSON(row.APIKeys, &rec.APIKeys)
	decodeJSON(row.Pricing, &rec.Pricing)

	var conns []connectionRow
	if err := s.db.WithContext(ctx).Where("machine_id = ?", machineID).Find(&conns).Error; err != nil {
		return nil, fmt.Errorf("connections for %s: %w", machineID, err)
	}
	for i := range conns {
		c := toDomain(&conns[i])
		rec.Providers[c.ID] = c
	}
	return rec, nil
}

// UpdateConnection merges the given fields into the connection row. Keys use
// the domain field names; only whitelisted columns are touched so a refresh
// result can never wipe unrelated state.
func (s *SQLiteStore) UpdateConnection(ctx context.Context, connectionID string, fields map[string]any) error {
	cols := make(map[string]any, len(fields)+1)
	for k, v := range fields {
		col, ok := connectionColumns[k]
		if !ok {
			return fmt.Errorf("unknown connection field %q", k)
		}
		if k == "providerSpecific" {
			blob, err := json.Marshal(v)
			if err != nil {
				return fmt.Errorf("encode providerSpecific: %w", err)
			}
			v = string(blob)
		}
		cols[col] = v
	}
	cols["updated_at"] = time.Now()

	res := s.db.WithContext(ctx).Model(&connectionRow{}).Where("id = ?", connectionID).Updates(cols)
	if res.Error != nil {
		return fmt.Errorf("update connection %s: %w", connectionID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("connection %s not found", connectionID)
	}
	return nil
}

// SaveMachine persists a full record. Used by importers and test fixtures,
// not by the engine.
func (s *SQLiteStore) SaveMachine(ctx context.Context, rec *MachineRecord) error {
	row := machineRow{
		ID:           rec.MachineID,
		ModelAliases: encodeJSON(rec.ModelAliases),
		Combos:       encodeJSON(rec.Combos),
		APIKeys:      encodeJSON(rec.APIKeys),
		Pricing:      encodeJSON(rec.Pricing),
	}
	if err := s.db.WithContext(ctx).Save(&row).Error; err != nil {
		return err
	}
	for _, conn := range rec.Providers {
		cr := toRow(conn)
		cr.MachineID = rec.MachineID
		if err := s.db.WithContext(ctx).Save(cr).Error; err != nil {
			return err
		}
	}
	return nil
}

var connectionColumns = map[string]string{
	"accessToken":      "access_token",
	"refreshToken":     "refresh_token",
	"idToken":          "id_token",
	"scope":            "scope",
	"tokenType":        "token_type",
	"expiresAt":        "expires_at",
	"apiKey":           "api_key",
	"projectId":        "project_id",
	"providerSpecific": "provider_specific",
	"status":           "status",
	"lastError":        "last_error",
	"errorCode":        "error_code",
	"rateLimitedUntil": "rate_limited_until",
	"backoffLevel":     "backoff_level",
	"lastErrorAt":      "last_error_at",
	"isActive":         "is_active",
	"priority":         "priority",
}

func toDomain(row *connectionRow) *ProviderConnection {
	c := &ProviderConnection{
		ID:               row.ID,
		MachineID:        row.MachineID,
		Provider:         row.Provider,
		AuthType:         row.AuthType,
		Name:             row.Name,
		Priority:         row.Priority,
		IsActive:         row.IsActive,
		APIKey:           row.APIKey,
		AccessToken:      row.AccessToken,
		RefreshToken:     row.RefreshToken,
		IDToken:          row.IDToken,
		Scope:            row.Scope,
		TokenType:        row.TokenType,
		ExpiresAt:        row.ExpiresAt,
		ProjectID:        row.ProjectID,
		Status:           row.Status,
		LastError:        row.LastError,
		ErrorCode:        row.ErrorCode,
		RateLimitedUntil: row.RateLimitedUntil,
		BackoffLevel:     row.BackoffLevel,
		LastErrorAt:      row.LastErrorAt,
		UpdatedAt:        row.UpdatedAt,
	}
	if row.ProviderSpecific != "" {
		decodeJSON(row.ProviderSpecific, &c.ProviderSpecific)
	}
	return c
}

func toRow(c *ProviderConnection) *connectionRow {
	return &connectionRow{
		ID:               c.ID,
		MachineID:        c.MachineID,
		Provider:         c.Provider,
		AuthType:         c.AuthType,
		Name:             c.Name,
		Priority:         c.Priority,
		IsActive:         c.IsActive,
		APIKey:           c.APIKey,
		AccessToken:      c.AccessToken,
		RefreshToken:     c.RefreshToken,
		IDToken:          c.IDToken,
		Scope:            c.Scope,
		TokenType:        c.TokenType,
		ExpiresAt:        c.ExpiresAt,
		ProjectID:        c.ProjectID,
		ProviderSpecific: encodeJSON(c.ProviderSpecific),
		Status:           c.Status,
		LastError:        c.LastError,
		ErrorCode:        c.ErrorCode,
		RateLimitedUntil: c.RateLimitedUntil,
		BackoffLevel:     c.BackoffLevel,
		LastErrorAt:      c.LastErrorAt,
	}
}

func encodeJSON(v any) string {
	if v == nil {
		return ""
	}
	b, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeJSON(s string, out any) {
	if s == "" {
		return
	}
	_ = json.Unmarshal([]byte(s), out)
}
