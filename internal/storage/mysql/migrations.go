package mysql

import (
	"bufio"
	"context"
	"database/sql"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/MartianFinance/core/deploy/migrations"
	xerrors "github.com/MartianFinance/core/internal/errors"
)

// schemaTable 记录 workflow_snapshots 已升级到的版本，每个版本一行。
const schemaTable = "workflow_schema_version"

// schemaStep 对应一个 NNNN_name.sql 文件。
type schemaStep struct {
	version    int
	name       string
	statements []string
}

// loadSchemaSteps 读取内嵌迁移并按版本升序返回。文件名不带数字前缀或版本重复都视为打包错误。
func loadSchemaSteps(fsys fs.FS) ([]schemaStep, error) {
	names, err := fs.Glob(fsys, "*.sql")
	if err != nil {
		return nil, err
	}
	steps := make([]schemaStep, 0, len(names))
	seen := make(map[int]string, len(names))
	for _, name := range names {
		prefix, _, _ := strings.Cut(strings.TrimSuffix(name, path.Ext(name)), "_")
		version, err := strconv.Atoi(prefix)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("迁移文件 %s 缺少版本号前缀", name)
		}
		if prev, dup := seen[version]; dup {
			return nil, fmt.Errorf("迁移文件 %s 与 %s 版本重复", name, prev)
		}
		seen[version] = name

		raw, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, err
		}
		steps = append(steps, schemaStep{version: version, name: name, statements: statements(string(raw))})
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i].version < steps[j].version })
	return steps, nil
}

// statements 按分号拆分脚本，跳过整行的 -- 注释。
func statements(script string) []string {
	var (
		out []string
		cur strings.Builder
	)
	flush := func() {
		if s := strings.TrimSpace(cur.String()); s != "" {
			out = append(out, s)
		}
		cur.Reset()
	}
	sc := bufio.NewScanner(strings.NewReader(script))
	for sc.Scan() {
		line := sc.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		for {
			before, after, found := strings.Cut(line, ";")
			cur.WriteString(before)
			if !found {
				cur.WriteByte('\n')
				break
			}
			flush()
			line = after
		}
	}
	flush()
	return out
}

// currentSchemaVersion 返回已应用的最高版本，空库为 0。
func currentSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version sql.NullInt64
	if err := db.QueryRowContext(ctx, `SELECT MAX(version) FROM `+schemaTable).Scan(&version); err != nil {
		return 0, err
	}
	return int(version.Int64), nil
}

// migrateSchema 把 workflow_snapshots 升级到内嵌脚本的最新版本并返回该版本。
// 数据库版本高于本程序认识的版本时拒绝启动，避免旧程序按旧列写入新表结构。
func migrateSchema(ctx context.Context, db *sql.DB, fsys fs.FS) (int, error) {
	steps, err := loadSchemaSteps(fsys)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "读取迁移脚本失败")
	}
	latest := 0
	if len(steps) > 0 {
		latest = steps[len(steps)-1].version
	}

	if _, err := db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS `+schemaTable+` (
    version INT NOT NULL PRIMARY KEY,
    name VARCHAR(128) NOT NULL,
    applied_at BIGINT NOT NULL
)`); err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建版本表失败")
	}
	current, err := currentSchemaVersion(ctx, db)
	if err != nil {
		return 0, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询 schema 版本失败")
	}
	if current > latest {
		return current, xerrors.New(xerrors.CodeStorageFailure,
			fmt.Sprintf("数据库 schema 版本 %d 高于程序支持的 %d", current, latest),
			xerrors.WithMetadata("schema_version", strconv.Itoa(current)))
	}

	for _, step := range steps {
		if step.version <= current {
			continue
		}
		if err := applySchemaStep(ctx, db, step); err != nil {
			return current, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行迁移失败",
				xerrors.WithMetadata("migration", step.name))
		}
		current = step.version
	}
	return current, nil
}

func applySchemaStep(ctx context.Context, db *sql.DB, step schemaStep) (err error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	for _, stmt := range step.statements {
		if _, err = tx.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	if _, err = tx.ExecContext(ctx, `INSERT INTO `+schemaTable+` (version, name, applied_at) VALUES (?, ?, ?)`,
		step.version, step.name, time.Now().UnixMilli()); err != nil {
		return err
	}
	return tx.Commit()
}

func runMigrations(ctx context.Context, db *sql.DB) (int, error) {
	return migrateSchema(ctx, db, migrations.Files)
}
