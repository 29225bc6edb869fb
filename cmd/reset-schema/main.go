package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/FreePeak/db-reset/internal/config"
	"github.com/FreePeak/db-reset/internal/logger"
	"github.com/FreePeak/db-reset/pkg/db"
	"github.com/FreePeak/db-reset/pkg/reset"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// Environment (and an optional .env file) provides the defaults;
	// flags override
	cfg, err := config.LoadConfig()
	if err != nil {
		return err
	}

	hostFlag := flag.String("host", cfg.DBConfig.Host, "database server host (or set DB_HOST)")
	portFlag := flag.Int("port", cfg.DBConfig.Port, "database server port (or set DB_PORT)")
	userFlag := flag.String("user", cfg.DBConfig.User, "database user (or set DB_USER)")
	databaseFlag := flag.String("database", cfg.DBConfig.Name, "database name (or set DB_NAME)")
	schemaFlag := flag.String("schema", cfg.Schema, "schema to reset; defaults to public for postgres and to the connected database for mysql (or set RESET_SCHEMA)")
	typeFlag := flag.String("type", cfg.DBConfig.Type, "database engine, postgres or mysql (or set DB_TYPE)")
	sslModeFlag := flag.String("sslmode", cfg.DBConfig.SSLMode, "postgres sslmode (or set DB_SSLMODE)")
	timeoutFlag := flag.Duration("timeout", cfg.Timeout, "overall operation timeout, 0 disables (or set RESET_TIMEOUT)")
	yesFlag := flag.Bool("yes", false, "skip the confirmation prompt (use with caution)")
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")

	flag.Parse()

	level := cfg.LogLevel
	if *verboseFlag {
		level = "debug"
	}
	logger.Initialize(level)

	if *userFlag == "" {
		return fmt.Errorf("--user is required (or set DB_USER)")
	}
	if *databaseFlag == "" {
		return fmt.Errorf("--database is required (or set DB_NAME)")
	}

	// No --password flag: a command line password would be visible in
	// shell history and process listings
	password := cfg.DBConfig.Password
	if password == "" {
		password, err = promptPassword(*userFlag, *hostFlag)
		if err != nil {
			return err
		}
	}
	if err := os.Unsetenv("DB_PASSWORD"); err != nil {
		logger.Warn("Failed to remove DB_PASSWORD from the environment: %v", err)
	}

	database, err := db.NewDatabase(db.Config{
		Type:     *typeFlag,
		Host:     *hostFlag,
		Port:     *portFlag,
		User:     *userFlag,
		Password: password,
		Name:     *databaseFlag,
		SSLMode:  *sslModeFlag,
	})
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *timeoutFlag > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeoutFlag)
		defer cancel()
	}

	logger.Info("Connecting to %s", database.ConnectionString())
	if err := database.Connect(); err != nil {
		return err
	}
	defer func() {
		if closeErr := database.Close(); closeErr != nil {
			logger.Warn("Failed to close database connection: %v", closeErr)
		}
	}()

	resetter, err := reset.New(database)
	if err != nil {
		return err
	}

	schema, err := resetter.ResolveSchema(ctx, *schemaFlag)
	if err != nil {
		return err
	}

	tables, err := resetter.ListTables(ctx, schema)
	if err != nil {
		return err
	}

	if len(tables) == 0 {
		fmt.Printf("Schema %q in database %q contains no tables.\n", schema, *databaseFlag)
	} else {
		fmt.Printf("The following %d table(s) in schema %q of database %q will be dropped:\n", len(tables), schema, *databaseFlag)
		for _, table := range tables {
			fmt.Printf("  - %s\n", table)
		}
	}

	// Prompt for confirmation unless --yes flag is set
	if !*yesFlag {
		confirmed, err := confirm()
		if err != nil {
			return err
		}
		if !confirmed {
			fmt.Println("Confirmation failed. Operation cancelled.")
			return nil
		}
	}

	result, err := resetter.Reset(ctx, schema)
	if err != nil {
		return err
	}

	fmt.Println()
	fmt.Println("================================================")
	fmt.Printf(" Schema %q has been reset\n", result.Schema)
	fmt.Printf(" Tables dropped: %d\n", len(result.Tables))
	fmt.Printf(" Duration:       %s\n", result.Duration.Round(time.Millisecond))
	fmt.Println("================================================")

	return nil
}

// promptPassword reads the database password from the terminal without
// echoing it
func promptPassword(user, host string) (string, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return "", fmt.Errorf("DB_PASSWORD is not set and stdin is not a terminal")
	}

	fmt.Fprintf(os.Stderr, "Password for %s@%s: ", user, host)
	raw, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}
	if len(raw) == 0 {
		return "", fmt.Errorf("password must not be empty")
	}
	return string(raw), nil
}

// confirm prompts the operator to type 'yes' before anything is dropped
func confirm() (bool, error) {
	fmt.Printf("\nThis operation cannot be undone.\nType 'yes' to confirm: ")

	reader := bufio.NewReader(os.Stdin)
	response, err := reader.ReadString('\n')
	if err != nil {
		return false, fmt.Errorf("failed to read confirmation: %w", err)
	}

	return strings.TrimSpace(strings.ToLower(response)) == "yes", nil
}
