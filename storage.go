package main

import (
	"context"
	"database/sql"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
	_ "modernc.org/sqlite"
)

func openDatabase(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func ensureSchema(ctx context.Context, db *sql.DB) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS roles (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			can_view_dashboard INTEGER NOT NULL DEFAULT 1,
			can_manage_data INTEGER NOT NULL DEFAULT 0,
			can_manage_users INTEGER NOT NULL DEFAULT 0,
			can_manage_roles INTEGER NOT NULL DEFAULT 0,
			can_add_raw INTEGER NOT NULL DEFAULT 0,
			can_add_sfg INTEGER NOT NULL DEFAULT 0,
			can_add_fg INTEGER NOT NULL DEFAULT 0,
			can_edit_raw INTEGER NOT NULL DEFAULT 0,
			can_edit_sfg INTEGER NOT NULL DEFAULT 0,
			can_edit_fg INTEGER NOT NULL DEFAULT 0,
			can_bulk_delete_raw INTEGER NOT NULL DEFAULT 0,
			can_bulk_delete_sfg INTEGER NOT NULL DEFAULT 0,
			can_bulk_delete_fg INTEGER NOT NULL DEFAULT 0,
			can_export_dashboard INTEGER NOT NULL DEFAULT 0,
			entry_scope TEXT NOT NULL DEFAULT 'own' CHECK (entry_scope IN ('own','org')),
			dashboard_scope TEXT NOT NULL DEFAULT 'own' CHECK (dashboard_scope IN ('own','org'))
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			username TEXT NOT NULL UNIQUE,
			email TEXT UNIQUE,
			password_hash BLOB,
			role_id TEXT NOT NULL REFERENCES roles(id),
			is_active INTEGER NOT NULL DEFAULT 1,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS category_groups (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS categories (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			group_id TEXT NOT NULL REFERENCES category_groups(id) ON DELETE CASCADE,
			UNIQUE(group_id, name)
		)`,
		`CREATE TABLE IF NOT EXISTS items (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE,
			unit TEXT NOT NULL,
			price REAL,
			category_id TEXT REFERENCES categories(id)
		)`,
		`CREATE TABLE IF NOT EXISTS warehouses (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS inv_sessions (
			id TEXT PRIMARY KEY,
			code TEXT NOT NULL UNIQUE,
			name TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'active'
		)`,
		`CREATE TABLE IF NOT EXISTS units (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL UNIQUE
		)`,
		`CREATE TABLE IF NOT EXISTS entries (
			id TEXT PRIMARY KEY,
			session_id TEXT NOT NULL REFERENCES inv_sessions(id),
			item_id TEXT NOT NULL REFERENCES items(id),
			category_id TEXT REFERENCES categories(id),
			type TEXT NOT NULL CHECK (type IN ('raw','sfg','fg')),
			unit TEXT NOT NULL,
			qty REAL NOT NULL,
			warehouse_id TEXT NOT NULL REFERENCES warehouses(id),
			batch TEXT,
			mfg TEXT,
			exp TEXT,
			price_at_entry REAL,
			created_at TIMESTAMP NOT NULL,
			user_id TEXT NOT NULL REFERENCES users(id)
		)`,
		`CREATE INDEX IF NOT EXISTS entries_created_at_idx ON entries(created_at)`,
		`CREATE INDEX IF NOT EXISTS entries_item_id_idx ON entries(item_id)`,
		`CREATE INDEX IF NOT EXISTS entries_user_id_idx ON entries(user_id)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

var defaultUnits = []string{"ltr", "kg", "gm", "nos"}

var defaultGroups = map[string][]string{
	"Raw Materials":       {"Herbs", "Powders"},
	"Semi Finished Goods": {"Majun (Semi Finished)", "Roghan (Semi Finished)"},
	"Finished Goods":      {"Majun", "Syrup", "Roghan"},
}

// seedDefaults fills an empty database with the master data a fresh
// deployment needs: measurement units, category groups, a first counting
// session and warehouse, an all-permissions role, and an admin account if
// credentials were configured.
func seedDefaults(ctx context.Context, db *sql.DB, cfg appConfig) error {
	for _, unit := range defaultUnits {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO units (id, name) VALUES (?, ?) ON CONFLICT(name) DO NOTHING`,
			uuid.NewString(), unit); err != nil {
			return err
		}
	}

	for groupName, subs := range defaultGroups {
		var groupID string
		err := db.QueryRowContext(ctx, `SELECT id FROM category_groups WHERE name = ?`, groupName).Scan(&groupID)
		if err == sql.ErrNoRows {
			groupID = uuid.NewString()
			if _, err := db.ExecContext(ctx,
				`INSERT INTO category_groups (id, name) VALUES (?, ?)`, groupID, groupName); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}
		for _, sub := range subs {
			if _, err := db.ExecContext(ctx,
				`INSERT INTO categories (id, name, group_id) VALUES (?, ?, ?)
				 ON CONFLICT(group_id, name) DO NOTHING`,
				uuid.NewString(), sub, groupID); err != nil {
				return err
			}
		}
	}

	var sessionCount int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM inv_sessions`).Scan(&sessionCount); err != nil {
		return err
	}
	if sessionCount == 0 {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO inv_sessions (id, code, name, status) VALUES (?, ?, ?, 'active')`,
			uuid.NewString(), "OPENING", "Opening Count"); err != nil {
			return err
		}
	}

	var warehouseCount int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM warehouses`).Scan(&warehouseCount); err != nil {
		return err
	}
	if warehouseCount == 0 {
		if _, err := db.ExecContext(ctx,
			`INSERT INTO warehouses (id, name) VALUES (?, ?)`,
			uuid.NewString(), "Main Warehouse"); err != nil {
			return err
		}
	}

	adminRoleID, err := seedAdminRole(ctx, db)
	if err != nil {
		return err
	}
	return seedAdminUser(ctx, db, cfg, adminRoleID)
}

func seedAdminRole(ctx context.Context, db *sql.DB) (string, error) {
	var id string
	err := db.QueryRowContext(ctx, `SELECT id FROM roles WHERE name = 'Admin'`).Scan(&id)
	if err == nil {
		return id, nil
	}
	if err != sql.ErrNoRows {
		return "", err
	}

	id = uuid.NewString()
	_, err = db.ExecContext(ctx, `
		INSERT INTO roles (
			id, name,
			can_view_dashboard, can_manage_data, can_manage_users, can_manage_roles,
			can_add_raw, can_add_sfg, can_add_fg,
			can_edit_raw, can_edit_sfg, can_edit_fg,
			can_bulk_delete_raw, can_bulk_delete_sfg, can_bulk_delete_fg,
			can_export_dashboard, entry_scope, dashboard_scope
		) VALUES (?, 'Admin', 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 1, 'org', 'org')`,
		id)
	return id, err
}

func seedAdminUser(ctx context.Context, db *sql.DB, cfg appConfig, roleID string) error {
	var userCount int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&userCount); err != nil {
		return err
	}
	if userCount > 0 {
		return nil
	}
	if cfg.AdminPassword == "" {
		log.Printf("no users and ADMIN_PASSWORD not set; skipping admin bootstrap")
		return nil
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.AdminPassword), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		INSERT INTO users (id, name, username, password_hash, role_id, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)`,
		uuid.NewString(), "Administrator", cfg.AdminUsername, hash, roleID, time.Now().UTC())
	if err != nil {
		return err
	}
	log.Printf("bootstrapped admin user %q", cfg.AdminUsername)
	return nil
}
