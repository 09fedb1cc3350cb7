package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"go.uber.org/zap"

	"maskrelay/backend/internal/config"
	"maskrelay/backend/internal/domain"
	"maskrelay/backend/internal/logger"
	"maskrelay/backend/internal/service"
	"maskrelay/backend/internal/storage/postgres"
)

func main() {
	local := flag.String("local", "", "保留别名的本地部分，例如 team")
	members := flag.String("members", "", "成员真实邮箱，逗号分隔，成员必须已存在")
	imageFormat := flag.String("image-format", "", "覆盖图片格式: original, jpeg, png")
	flag.Parse()

	memberEmails := splitList(*members)
	if *local == "" || len(memberEmails) == 0 {
		fmt.Println("Usage: reserved-alias -local <local-part> -members <email>[,<email>...] [-image-format jpeg]")
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Database.Type == "" || cfg.Database.DSN == "" {
		fmt.Println("Reserved aliases must be stored in a database: set MASKRELAY_DATABASE_TYPE and MASKRELAY_DATABASE_DSN")
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.Config{Level: cfg.Log.Level, Development: true})
	if err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	store, err := postgres.Open(&cfg.Database)
	if err != nil {
		log.Fatal("failed to open database", zap.Error(err))
	}
	defer store.Close()

	var overrides domain.PreferenceOverrides
	if *imageFormat != "" {
		format := domain.ImageFormat(strings.ToLower(*imageFormat))
		if !format.Valid() {
			fmt.Printf("Invalid image format: %s\n", *imageFormat)
			os.Exit(1)
		}
		overrides.ImageFormat = &format
	}

	svc := service.NewAliasService(store, service.AliasServiceConfig{
		Domain:     cfg.Relay.Domain,
		VERPPrefix: cfg.Relay.VERPPrefix,
	}, log)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	alias, err := svc.CreateReserved(ctx, service.CreateReservedInput{
		LocalPart:    *local,
		MemberEmails: memberEmails,
		Overrides:    overrides,
	})
	if err != nil {
		fmt.Printf("Failed to create reserved alias: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Reserved alias created successfully!\n")
	fmt.Printf("  ID:      %s\n", alias.ID)
	fmt.Printf("  Address: %s\n", alias.Address())
	for _, m := range alias.Members {
		fmt.Printf("  Member:  %s\n", m.Email)
	}
}

func splitList(value string) []string {
	var items []string
	for _, part := range strings.Split(value, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}
