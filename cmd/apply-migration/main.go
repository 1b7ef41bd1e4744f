package main

import (
	"context"
	"os"
	"strings"
	"time"

	"wisefido-vitals/common/database"
	logpkg "wisefido-vitals/common/logger"
	"wisefido-vitals/internal/config"

	"go.uber.org/zap"
)

const defaultMigration = "scripts/migrations/001_patient_vitals_history.sql"

func main() {
	cfg := config.Load()

	logger, err := logpkg.NewLogger(cfg.Log.Level, "console", "apply-migration")
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	migrationFile := defaultMigration
	if len(os.Args) > 1 {
		migrationFile = os.Args[1]
	}
	sqlContent, err := os.ReadFile(migrationFile)
	if err != nil {
		logger.Fatal("Failed to read migration file", zap.String("file", migrationFile), zap.Error(err))
	}

	db, err := database.NewPostgresDB(context.Background(), &cfg.Database)
	if err != nil {
		logger.Fatal("Cannot connect to database", zap.Error(err))
	}
	defer database.Close(db)

	logger.Info("Connected to database", zap.String("database", cfg.Database.Database))

	statements := splitStatements(string(sqlContent))
	for i, stmt := range statements {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		_, err := db.ExecContext(ctx, stmt)
		cancel()
		if err != nil {
			logger.Fatal("Failed to execute statement",
				zap.Int("statement", i+1),
				zap.String("sql", stmt[:min(100, len(stmt))]),
				zap.Error(err),
			)
		}
		logger.Info("Statement executed", zap.Int("statement", i+1), zap.Int("total", len(statements)))
	}

	logger.Info("Migration completed", zap.String("file", migrationFile))
}

// splitStatements 按分号拆分 SQL，去掉注释行和空语句
func splitStatements(content string) []string {
	var lines []string
	for _, line := range strings.Split(content, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		lines = append(lines, line)
	}

	var out []string
	for _, stmt := range strings.Split(strings.Join(lines, "\n"), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
