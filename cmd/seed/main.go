package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"groupchat/internal/config"
	"groupchat/internal/domain/model"
	"groupchat/internal/infra/db"
	"groupchat/internal/infra/logging"
)

func main() {
	cfgPath := flag.String("config", "config.yaml", "path to YAML config file")
	groupID := flag.String("group", "lobby", "group to seed messages into")
	flag.Parse()

	// ---- Config ----
	cfg, err := config.LoadConfig(*cfgPath, true)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if cfg.Database.Driver == "memory" {
		log.Fatalf("database.driver is memory; seeded data would vanish with this process")
	}
	logger := logging.New(cfg.Log, true)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	stores, err := db.Open(ctx, cfg.Database, logger)
	if err != nil {
		log.Fatalf("open stores: %v", err)
	}
	defer stores.Close()

	// One profile per avatar kind, plus a user with no profile at all.
	profiles := []model.Profile{
		{UserID: "alice", DisplayName: "Alice", AvatarKey: "avatar:1"},
		{UserID: "bob", DisplayName: "bob", AvatarKey: "https://avatars.example.com/bob.png"},
		{UserID: "carol", DisplayName: "Carol"},
	}
	for _, p := range profiles {
		if err := stores.Profiles.Save(ctx, p); err != nil {
			log.Fatalf("save profile %q: %v", p.UserID, err)
		}
		fmt.Printf("seeded profile: %s (%s)\n", p.UserID, p.DisplayName)
	}

	existing, err := stores.Messages.GetRecent(ctx, *groupID, 1)
	if err != nil {
		log.Fatalf("read group %q: %v", *groupID, err)
	}
	if len(existing) > 0 {
		fmt.Printf("group %q already has messages. No changes.\n", *groupID)
		return
	}

	conversation := []struct{ from, text string }{
		{"alice", "hi all, welcome to the group"},
		{"bob", "hey!"},
		{"carol", "hello from carol"},
		{"dave", "who am i? (no profile)"},
		{"alice", "see you around"},
	}
	for _, c := range conversation {
		m, err := stores.Messages.Append(ctx, *groupID, c.from, c.text)
		if err != nil {
			log.Fatalf("append: %v", err)
		}
		fmt.Printf("seeded message: %s %s: %s\n", m.ID, c.from, c.text)
	}

	fmt.Println("Seeding complete.")
}
