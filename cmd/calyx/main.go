package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/viper"

	"github.com/calyxdb/calyx/internal/ast"
	"github.com/calyxdb/calyx/internal/catalog"
	"github.com/calyxdb/calyx/internal/engine"
	"github.com/calyxdb/calyx/internal/mvcc"
	"github.com/calyxdb/calyx/internal/optimizer"
	"github.com/calyxdb/calyx/internal/storage"
	"github.com/calyxdb/calyx/internal/value"
)

const (
	DefaultDataDir      = "./calyx_data"
	DefaultOptimizeTime = time.Second
	DefaultQueryTimeout = 30 * time.Second
)

func loadConfig() *viper.Viper {
	v := viper.New()
	v.SetDefault("data_dir", DefaultDataDir)
	v.SetDefault("optimize_time", DefaultOptimizeTime)
	v.SetDefault("query_timeout", DefaultQueryTimeout)
	v.SetDefault("adaptive", true)
	v.SetDefault("isolation", "repeatable_read")

	v.SetConfigName("calyx")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.SetEnvPrefix("CALYX")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Fatalf("Failed to read config: %v", err)
		}
	}
	return v
}

func isolationLevel(name string) mvcc.IsolationLevel {
	switch strings.ToLower(name) {
	case "read_uncommitted":
		return mvcc.ReadUncommitted
	case "read_committed":
		return mvcc.ReadCommitted
	case "serializable":
		return mvcc.Serializable
	default:
		return mvcc.RepeatableRead
	}
}

func printResult(res *engine.QueryResult) {
	if len(res.Columns) == 0 {
		fmt.Printf("%d row(s) affected in %s\n\n", res.RowsAffected, res.Duration)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, strings.Join(res.Columns, "\t"))
	fmt.Fprintln(w, strings.Repeat("-\t", len(res.Columns)))
	for _, row := range res.Rows {
		cells := make([]string, len(row))
		for i, v := range row {
			cells[i] = v.String()
		}
		fmt.Fprintln(w, strings.Join(cells, "\t"))
	}
	w.Flush()
	fmt.Printf("\n(%d row(s) in %s)\n\n", len(res.Rows), res.Duration)
}

func col(table, name string) *ast.ColumnRef { return &ast.ColumnRef{Table: table, Column: name} }

func lit(v value.Value) ast.Expression { return &ast.Literal{Value: v} }

func seedStatements() []ast.Statement {
	users := &ast.InsertStatement{Table: "users"}
	for i, name := range []string{"ada", "bob", "cyd", "dee"} {
		users.Rows = append(users.Rows, []ast.Expression{
			lit(value.NewInt(int64(i + 1))),
			lit(value.NewString(name)),
		})
	}

	orders := &ast.InsertStatement{Table: "orders"}
	amounts := []struct {
		id, user, total int64
	}{
		{1, 1, 120}, {2, 1, 80}, {3, 2, 45}, {4, 3, 300}, {5, 3, 15}, {6, 3, 60},
	}
	for _, o := range amounts {
		orders.Rows = append(orders.Rows, []ast.Expression{
			lit(value.NewInt(o.id)),
			lit(value.NewInt(o.user)),
			lit(value.NewInt(o.total)),
		})
	}
	return []ast.Statement{users, orders}
}

type demoQuery struct {
	title string
	stmt  *ast.SelectStatement
}

func demoQueries() []demoQuery {
	join := &ast.SelectStatement{
		Columns: []ast.SelectItem{
			{Expr: col("users", "name"), Alias: "name"},
			{Expr: col("orders", "total"), Alias: "total"},
		},
		From: ast.FromClause{
			Table: "users",
			Joins: []ast.JoinClause{{
				Type:  ast.JoinLeft,
				Table: "orders",
				On: &ast.BinaryExpr{
					Op: ast.OpEq, Left: col("users", "id"), Right: col("orders", "user_id"),
				},
			}},
		},
		OrderBy: []ast.OrderItem{{Expr: col("users", "name")}},
	}

	totals := &ast.SelectStatement{
		Columns: []ast.SelectItem{
			{Expr: col("orders", "user_id"), Alias: "user_id"},
			{Expr: &ast.FuncCall{Name: "SUM", Args: []ast.Expression{col("orders", "total")}}, Alias: "spent"},
			{Expr: &ast.FuncCall{Name: "COUNT", Star: true}, Alias: "orders"},
		},
		From:    ast.FromClause{Table: "orders"},
		GroupBy: []ast.Expression{col("orders", "user_id")},
	}

	ranked := &ast.SelectStatement{
		Columns: []ast.SelectItem{
			{Expr: col("orders", "user_id"), Alias: "user_id"},
			{Expr: col("orders", "total"), Alias: "total"},
			{Expr: &ast.WindowExpr{
				Func:        ast.WinRank,
				PartitionBy: []ast.Expression{col("orders", "user_id")},
				OrderBy:     []ast.OrderItem{{Expr: col("orders", "total"), Desc: true}},
			}, Alias: "rank"},
		},
		From: ast.FromClause{Table: "orders"},
	}

	return []demoQuery{
		{"orders per user (LEFT JOIN)", join},
		{"spend per user (GROUP BY)", totals},
		{"order rank per user (RANK)", ranked},
	}
}

func main() {
	cfg := loadConfig()

	eng, err := engine.Open(engine.Options{
		DataDir: cfg.GetString("data_dir"),
		Optimizer: optimizer.Config{
			MaxOptimizationTime: cfg.GetDuration("optimize_time"),
			MaxAlternativePlans: 10,
			EnableAdaptive:      cfg.GetBool("adaptive"),
			EnableLearning:      true,
		},
		DefaultIsolation: isolationLevel(cfg.GetString("isolation")),
	})
	if err != nil {
		log.Fatalf("Failed to open engine: %v", err)
	}
	defer eng.Close()

	if err := eng.CreateTable("users", []catalog.Column{
		{Name: "id", Type: value.KindInt},
		{Name: "name", Type: value.KindString},
	}); err != nil {
		log.Fatalf("Failed to create users table: %v", err)
	}
	if err := eng.CreateTable("orders", []catalog.Column{
		{Name: "id", Type: value.KindInt},
		{Name: "user_id", Type: value.KindInt},
		{Name: "total", Type: value.KindInt},
	}); err != nil {
		log.Fatalf("Failed to create orders table: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.GetDuration("query_timeout"))
	defer cancel()

	for _, stmt := range seedStatements() {
		if _, err := eng.Exec(ctx, stmt); err != nil {
			// The data dir persists across runs; rows from an earlier run
			// are fine.
			if errors.Is(err, storage.ErrDuplicateKey) {
				continue
			}
			log.Fatalf("Failed to seed data: %v", err)
		}
	}

	for _, q := range demoQueries() {
		fmt.Printf("-- %s\n", q.title)
		plan, err := eng.Explain(q.stmt)
		if err != nil {
			log.Fatalf("Failed to explain %q: %v", q.title, err)
		}
		fmt.Println(plan)

		res, err := eng.Exec(ctx, q.stmt)
		if err != nil {
			log.Fatalf("Failed to run %q: %v", q.title, err)
		}
		printResult(res)
	}

	if err := eng.Checkpoint(); err != nil {
		log.Fatalf("Failed to checkpoint: %v", err)
	}
	if n := eng.Vacuum(); n > 0 {
		fmt.Printf("vacuum removed %d dead versions\n", n)
	}

	for _, rs := range eng.OptimizerStats() {
		fmt.Printf("rule %-24s applied=%d confidence=%.2f\n", rs.Name, rs.Applications, rs.Confidence)
	}
	sum := eng.OptimizerSummary()
	fmt.Printf("optimizer: %d optimizations, %d cache hits, %d learned rules (avg confidence %.2f)\n",
		sum.Optimizations, sum.CacheHits, sum.LearnedRules, sum.AvgConfidence)
}
