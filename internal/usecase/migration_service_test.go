package usecase

import (
	"context"
	"errors"
	"strings"
	"testing"
	"testing/fstest"
	"time"

	"digital-certificate-service/internal/domain"
)

// mockMigrationRepository はテスト用のモック。
type mockMigrationRepository struct {
	dialect           string
	appliedMigrations map[string]*domain.Migration
	executed          map[string][]string
	applyError        error
}

func newMockMigrationRepository() *mockMigrationRepository {
	return &mockMigrationRepository{
		dialect:           "sqlite",
		appliedMigrations: make(map[string]*domain.Migration),
		executed:          make(map[string][]string),
	}
}

func (m *mockMigrationRepository) Dialect() string {
	return m.dialect
}

func (m *mockMigrationRepository) EnsureTable(ctx context.Context) error {
	return nil
}

func (m *mockMigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var result []*domain.Migration
	for _, migration := range m.appliedMigrations {
		result = append(result, migration)
	}
	return result, nil
}

func (m *mockMigrationRepository) ApplyMigration(ctx context.Context, version string, statements []string) error {
	for _, stmt := range statements {
		if strings.HasPrefix(stmt, "INVALID") {
			return errors.New("syntax error")
		}
	}
	if m.applyError != nil {
		return m.applyError
	}
	now := time.Now()
	m.executed[version] = statements
	m.appliedMigrations[version] = &domain.Migration{
		Version:   version,
		AppliedAt: &now,
		Status:    domain.MigrationStatusApplied,
	}
	return nil
}

func (m *mockMigrationRepository) IsMigrationApplied(ctx context.Context, version string) (bool, error) {
	_, exists := m.appliedMigrations[version]
	return exists, nil
}

// testMigrationsFS はテスト用のマイグレーションファイルを返す。
func testMigrationsFS() fstest.MapFS {
	return fstest.MapFS{
		"sqlite/001_create_users.sql":    {Data: []byte("CREATE TABLE users (id INT);")},
		"sqlite/002_create_posts.sql":    {Data: []byte("CREATE TABLE posts (id INT);\n\nCREATE INDEX idx_posts ON posts (id);\n")},
		"sqlite/003_create_comments.sql": {Data: []byte("-- comments\nCREATE TABLE comments (\n    id INT\n);")},
		"sqlite/README.md":               {Data: []byte("ignored")},
		"mysql/001_create_users.sql":     {Data: []byte("CREATE TABLE users (id INT) ENGINE=InnoDB;")},
	}
}

func TestMigrationService_ApplyMigrations(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()

	service := NewMigrationService(repo, testMigrationsFS())

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 migrations applied, got %d", count)
	}

	// 複数文のファイルは文ごとに分割される
	if got := len(repo.executed["002"]); got != 2 {
		t.Errorf("expected 2 statements for 002, got %d", got)
	}
	if got := repo.executed["003"]; len(got) != 1 || strings.Contains(got[0], "--") {
		t.Errorf("expected comment stripped single statement, got %q", got)
	}
}

func TestMigrationService_ApplyMigrations_UsesDialectDirectory(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()
	repo.dialect = "mysql"

	service := NewMigrationService(repo, testMigrationsFS())

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 migration applied, got %d", count)
	}
	if !strings.Contains(repo.executed["001"][0], "InnoDB") {
		t.Errorf("expected mysql migration, got %q", repo.executed["001"])
	}
}

func TestMigrationService_ApplyMigrations_UnknownDialect(t *testing.T) {
	repo := newMockMigrationRepository()
	repo.dialect = "sqlserver"

	service := NewMigrationService(repo, testMigrationsFS())

	_, err := service.ApplyMigrations(context.Background())
	if !errors.Is(err, domain.ErrMigrationFileNotFound) {
		t.Errorf("expected ErrMigrationFileNotFound, got %v", err)
	}
}

func TestMigrationService_ApplyMigrations_AlreadyApplied(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()

	now := time.Now()
	repo.appliedMigrations["001"] = &domain.Migration{Version: "001", AppliedAt: &now, Status: domain.MigrationStatusApplied}
	repo.appliedMigrations["002"] = &domain.Migration{Version: "002", AppliedAt: &now, Status: domain.MigrationStatusApplied}

	service := NewMigrationService(repo, testMigrationsFS())

	count, err := service.ApplyMigrations(ctx)
	if err != nil {
		t.Fatalf("ApplyMigrations failed: %v", err)
	}

	// 未適用のマイグレーションのみ実行される
	if count != 1 {
		t.Errorf("expected 1 migration applied, got %d", count)
	}
}

func TestMigrationService_ApplyMigrations_Error(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()

	files := testMigrationsFS()
	files["sqlite/004_invalid.sql"] = &fstest.MapFile{Data: []byte("INVALID SQL SYNTAX;")}

	service := NewMigrationService(repo, files)

	count, err := service.ApplyMigrations(ctx)
	if !errors.Is(err, domain.ErrMigrationFailed) {
		t.Errorf("expected ErrMigrationFailed, got %v", err)
	}
	if count != 3 {
		t.Errorf("expected 3 migrations applied before failure, got %d", count)
	}
}

func TestMigrationService_InvalidFileName(t *testing.T) {
	files := fstest.MapFS{
		"sqlite/create_users.sql": {Data: []byte("CREATE TABLE users (id INT);")},
	}
	service := NewMigrationService(newMockMigrationRepository(), files)

	_, err := service.ApplyMigrations(context.Background())
	if !errors.Is(err, domain.ErrInvalidMigrationFile) {
		t.Errorf("expected ErrInvalidMigrationFile, got %v", err)
	}
}

func TestParseMigrationFileName(t *testing.T) {
	tests := []struct {
		filename    string
		wantVersion string
		wantName    string
		wantErr     bool
	}{
		{"001_create_certificates.sql", "001", "create_certificates", false},
		{"010_add_index.sql", "010", "add_index", false},
		{"create_users.sql", "", "", true},
		{"v1_create_users.sql", "", "", true},
		{"001_.sql", "", "", true},
		{"001.sql", "", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.filename, func(t *testing.T) {
			version, name, err := parseMigrationFileName(tt.filename)
			if tt.wantErr {
				if !errors.Is(err, domain.ErrInvalidMigrationFile) {
					t.Errorf("expected ErrInvalidMigrationFile, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if version != tt.wantVersion || name != tt.wantName {
				t.Errorf("expected %s/%s, got %s/%s", tt.wantVersion, tt.wantName, version, name)
			}
		})
	}
}

func TestMigrationService_GetMigrationStatus(t *testing.T) {
	ctx := context.Background()
	repo := newMockMigrationRepository()

	now := time.Now()
	repo.appliedMigrations["001"] = &domain.Migration{Version: "001", AppliedAt: &now, Status: domain.MigrationStatusApplied}

	service := NewMigrationService(repo, testMigrationsFS())

	migrations, err := service.GetMigrationStatus(ctx)
	if err != nil {
		t.Fatalf("GetMigrationStatus failed: %v", err)
	}
	if len(migrations) != 3 {
		t.Errorf("expected 3 migrations, got %d", len(migrations))
	}

	expectedStatuses := map[string]domain.MigrationStatus{
		"001": domain.MigrationStatusApplied,
		"002": domain.MigrationStatusPending,
		"003": domain.MigrationStatusPending,
	}
	for _, migration := range migrations {
		expectedStatus, exists := expectedStatuses[migration.Version]
		if !exists {
			t.Errorf("unexpected migration version: %s", migration.Version)
			continue
		}
		if migration.Status != expectedStatus {
			t.Errorf("migration %s: expected status %s, got %s", migration.Version, expectedStatus, migration.Status)
		}
		if migration.Dialect != "sqlite" {
			t.Errorf("migration %s: expected sqlite dialect, got %s", migration.Version, migration.Dialect)
		}
	}
}

func TestSplitStatements(t *testing.T) {
	sql := "CREATE TABLE a (\n  id INT\n);\n-- note\n\nCREATE INDEX i ON a (id);\nINSERT INTO a VALUES (1)"
	got := splitStatements(sql)
	if len(got) != 3 {
		t.Fatalf("expected 3 statements, got %d: %q", len(got), got)
	}
	if got[0] != "CREATE TABLE a (\n  id INT\n);" {
		t.Errorf("unexpected first statement: %q", got[0])
	}
	if got[2] != "INSERT INTO a VALUES (1)" {
		t.Errorf("unexpected trailing statement: %q", got[2])
	}
}
