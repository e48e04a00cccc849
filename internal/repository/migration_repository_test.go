package repository

import (
	"context"
	"testing"

	"digital-certificate-service/internal/infra"
)

func TestMigrationRepository_ApplyAndFind(t *testing.T) {
	ctx := context.Background()
	db, err := infra.NewDB(":memory:", nil)
	if err != nil {
		t.Fatalf("failed to open test database: %v", err)
	}
	repo := NewMigrationRepository(db)

	if repo.Dialect() != "sqlite" {
		t.Errorf("want sqlite, got %s", repo.Dialect())
	}
	if err := repo.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable failed: %v", err)
	}
	// 2回目も成功する
	if err := repo.EnsureTable(ctx); err != nil {
		t.Fatalf("EnsureTable (second call) failed: %v", err)
	}

	err = repo.ApplyMigration(ctx, "001", []string{
		"CREATE TABLE widgets (id INTEGER PRIMARY KEY);",
		"CREATE INDEX idx_widgets ON widgets (id);",
	})
	if err != nil {
		t.Fatalf("ApplyMigration failed: %v", err)
	}

	applied, err := repo.IsMigrationApplied(ctx, "001")
	if err != nil {
		t.Fatalf("IsMigrationApplied failed: %v", err)
	}
	if !applied {
		t.Error("expected 001 applied")
	}

	// 失敗したマイグレーションは記録されない
	if err := repo.ApplyMigration(ctx, "002", []string{"INVALID SQL SYNTAX;"}); err == nil {
		t.Error("expected error for invalid SQL")
	}
	applied, err = repo.IsMigrationApplied(ctx, "002")
	if err != nil {
		t.Fatalf("IsMigrationApplied failed: %v", err)
	}
	if applied {
		t.Error("expected 002 not recorded")
	}

	all, err := repo.FindAllApplied(ctx)
	if err != nil {
		t.Fatalf("FindAllApplied failed: %v", err)
	}
	if len(all) != 1 || all[0].Version != "001" || all[0].AppliedAt == nil {
		t.Errorf("unexpected applied migrations: %+v", all)
	}
}
