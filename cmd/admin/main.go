// Command admin manages API keys and exports transaction reports. It
// talks to the same store as the server; run it with the same STORE_DRIVER
// and connection environment.
package main

import (
	"bufio"
	"context"
	"encoding/csv"
	"flag"
	"fmt"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"

	"payflow/pkg/auth"
	"payflow/pkg/ledger"
	"payflow/pkg/store"
	boltstore "payflow/pkg/store/bolt"
	"payflow/pkg/store/postgres"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	if len(os.Args) < 2 {
		log.Println("[ERROR] Expected subcommand: create-key | revoke-key | activate-key | list-keys | report")
		os.Exit(1)
	}

	st, err := openStore()
	if err != nil {
		log.Println("[ERROR] Store connection failed:", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch os.Args[1] {
	case "create-key":
		runCreateKey(ctx, st)
	case "revoke-key":
		runSetKeyActive(ctx, st, false)
	case "activate-key":
		runSetKeyActive(ctx, st, true)
	case "list-keys":
		runListKeys(ctx, st)
	case "report":
		runReport(ctx, st)
	default:
		log.Println("[ERROR] Unknown command:", os.Args[1])
		os.Exit(1)
	}
}

func openStore() (store.Store, error) {
	if os.Getenv("STORE_DRIVER") == "bolt" {
		path := os.Getenv("DB_PATH")
		if path == "" {
			path = "payflow.db"
		}
		return boltstore.New(path)
	}

	cfg := postgres.DefaultConfig()
	if v := os.Getenv("POSTGRES_HOST"); v != "" {
		cfg.Host = v
	}
	if v := os.Getenv("POSTGRES_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid POSTGRES_PORT: %w", err)
		}
		cfg.Port = port
	}
	if v := os.Getenv("POSTGRES_USER"); v != "" {
		cfg.User = v
	}
	if v := os.Getenv("POSTGRES_PASSWORD"); v != "" {
		cfg.Password = v
	}
	if v := os.Getenv("POSTGRES_DB"); v != "" {
		cfg.Database = v
	}
	return postgres.New(cfg)
}

// runCreateKey issues a new API key for an owner. The raw token is
// printed exactly once; only its hash is persisted.
func runCreateKey(ctx context.Context, st store.Store) {
	cmd := flag.NewFlagSet("create-key", flag.ExitOnError)
	ownerFlag := cmd.String("owner", "", "Owner account ID (required)")
	nameFlag := cmd.String("name", "Default", "Display name for the key")

	if err := cmd.Parse(os.Args[2:]); err != nil {
		log.Println("[ERROR] Failed to parse flags:", err)
		os.Exit(1)
	}
	if *ownerFlag == "" {
		log.Println("[ERROR] --owner flag is required")
		os.Exit(1)
	}

	token, err := auth.GenerateToken()
	if err != nil {
		log.Println("[ERROR] Token generation failed:", err)
		os.Exit(1)
	}

	key := &auth.Key{
		ID:        uuid.NewString(),
		OwnerID:   *ownerFlag,
		Name:      *nameFlag,
		Prefix:    auth.DisplayPrefix(token),
		Hash:      auth.HashToken(token),
		Active:    true,
		CreatedAt: time.Now().UTC(),
	}

	if err := st.InsertKey(ctx, key); err != nil {
		log.Println("[ERROR] Failed to store key:", err)
		os.Exit(1)
	}

	log.Printf("[SUCCESS] Key created: %s (%s)\n", key.ID, key.Prefix)
	fmt.Println("Store this token now, it will not be shown again:")
	fmt.Println(token)
}

func runSetKeyActive(ctx context.Context, st store.Store, active bool) {
	name := "revoke-key"
	if active {
		name = "activate-key"
	}
	cmd := flag.NewFlagSet(name, flag.ExitOnError)
	idFlag := cmd.String("id", "", "API key ID (required)")

	if err := cmd.Parse(os.Args[2:]); err != nil {
		log.Println("[ERROR] Failed to parse flags:", err)
		os.Exit(1)
	}
	if *idFlag == "" {
		log.Println("[ERROR] --id flag is required")
		os.Exit(1)
	}

	if err := st.SetKeyActive(ctx, *idFlag, active); err != nil {
		log.Println("[ERROR] Failed to update key:", err)
		os.Exit(1)
	}

	state := "revoked"
	if active {
		state = "active"
	}
	log.Printf("[SUCCESS] Key %s is now %s\n", *idFlag, state)
}

func runListKeys(ctx context.Context, st store.Store) {
	cmd := flag.NewFlagSet("list-keys", flag.ExitOnError)
	ownerFlag := cmd.String("owner", "", "Owner account ID (required)")

	if err := cmd.Parse(os.Args[2:]); err != nil {
		log.Println("[ERROR] Failed to parse flags:", err)
		os.Exit(1)
	}
	if *ownerFlag == "" {
		log.Println("[ERROR] --owner flag is required")
		os.Exit(1)
	}

	keys, err := st.ListKeysByOwner(ctx, *ownerFlag)
	if err != nil {
		log.Println("[ERROR] Failed to list keys:", err)
		os.Exit(1)
	}

	if len(keys) == 0 {
		fmt.Println("No keys for owner", *ownerFlag)
		return
	}
	for _, k := range keys {
		status := "active"
		if !k.Active {
			status = "revoked"
		}
		fmt.Printf("%s  %-16s %-8s %s  %s\n",
			k.ID, k.Prefix, status, k.Name, k.CreatedAt.Format("2006-01-02 15:04:05"))
	}
}

// runReport exports an owner's full transaction log to CSV, newest last,
// with a trailing balance line.
func runReport(ctx context.Context, st store.Store) {
	cmd := flag.NewFlagSet("report", flag.ExitOnError)
	ownerFlag := cmd.String("owner", "", "Owner account ID (required)")

	if err := cmd.Parse(os.Args[2:]); err != nil {
		log.Println("[ERROR] Failed to parse flags:", err)
		os.Exit(1)
	}
	if *ownerFlag == "" {
		log.Println("[ERROR] --owner flag is required")
		os.Exit(1)
	}

	log.Printf("[INFO] Generating transaction report for owner %s\n", *ownerFlag)

	txns, err := st.ListByOwner(ctx, *ownerFlag)
	if err != nil {
		log.Println("[ERROR] Failed to load transactions:", err)
		os.Exit(1)
	}

	fileName := fmt.Sprintf("owner_%s_report.csv", *ownerFlag)
	file, err := os.Create(fileName)
	if err != nil {
		log.Println("[ERROR] Failed to create file:", err)
		os.Exit(1)
	}
	defer file.Close()

	bufferedWriter := bufio.NewWriter(file)
	csvWriter := csv.NewWriter(bufferedWriter)

	if err := csvWriter.Write([]string{
		"ID", "Kind", "Amount(Cents)", "Amount", "Customer", "CreatedAt",
	}); err != nil {
		log.Println("[ERROR] Failed to write CSV header:", err)
		os.Exit(1)
	}

	for _, t := range txns {
		record := []string{
			t.ID,
			string(t.Kind),
			strconv.FormatInt(t.Amount, 10),
			fmt.Sprintf("%.2f", ledger.ToMajorUnits(t.Amount)),
			t.Customer,
			t.CreatedAt.Format("2006-01-02 15:04:05"),
		}
		if err := csvWriter.Write(record); err != nil {
			log.Println("[ERROR] Failed writing CSV row:", err)
			os.Exit(1)
		}
	}

	csvWriter.Flush()
	bufferedWriter.Flush()
	if err := csvWriter.Error(); err != nil {
		log.Println("[ERROR] CSV writer error:", err)
		os.Exit(1)
	}

	balance := ledger.Balance(txns)
	log.Printf("[SUCCESS] Report generated. Rows exported: %d, balance: %.2f\n",
		len(txns), ledger.ToMajorUnits(balance))
	log.Printf("[INFO] Output file: %s\n", fileName)
}
