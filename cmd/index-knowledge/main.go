package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/brendan721/Flipsync-Final-sub000/internal/brain/knowledge"
	"github.com/brendan721/Flipsync-Final-sub000/internal/config"

	"github.com/joho/godotenv"
)

func main() {
	// Parse flags
	configPath := flag.String("config", config.DefaultPath, "Path to the YAML configuration file")
	seedPath := flag.String("seed", "assets/knowledge/seed.yaml", "YAML seed file with the items to ingest")
	deleteFirst := flag.Bool("delete", false, "Delete existing collection before indexing")
	flag.Parse()

	// Load .env file
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	fmt.Println("=== Knowledge Indexing Tool ===")
	fmt.Println("Indexing seed knowledge into Qdrant vector database")

	ctx := context.Background()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	// Indexing only makes sense against a persistent store
	cfg.Knowledge.Store.Type = "qdrant"

	apiKey := os.Getenv("GEMINI_API_KEY")
	if cfg.Knowledge.Embedding.Provider == "gemini" && apiKey == "" {
		log.Fatal("GEMINI_API_KEY environment variable not set")
	}

	fmt.Println("\n1. Loading seed file...")
	seed, err := knowledge.LoadSeedFile(*seedPath)
	if err != nil {
		log.Fatalf("Failed to load seed file: %v", err)
	}
	items := seed.ToItems()
	fmt.Printf("   Found %d items to index\n", len(items))

	if *deleteFirst {
		fmt.Println("\n2. Deleting existing collection...")
		store, err := knowledge.NewQdrantStore(ctx, cfg.QdrantConfig())
		if err != nil {
			log.Fatalf("Failed to connect to Qdrant: %v", err)
		}
		if err := store.DeleteCollection(ctx); err != nil {
			log.Printf("Warning: Failed to delete collection: %v", err)
		} else {
			fmt.Println("   Collection deleted successfully")
		}
		store.Close()
	}

	// Opening the store again recreates the collection
	fmt.Println("\n3. Initializing repository...")
	store, err := knowledge.NewQdrantStore(ctx, cfg.QdrantConfig())
	if err != nil {
		log.Fatalf("Failed to connect to Qdrant: %v", err)
	}
	embedder, err := knowledge.NewEmbedder(ctx, apiKey, cfg.EmbeddingConfig())
	if err != nil {
		log.Fatalf("Failed to create embedder: %v", err)
	}
	repo, err := knowledge.NewRepository(cfg.KnowledgeConfig(), store, nil, knowledge.WithEmbedder(embedder))
	if err != nil {
		log.Fatalf("Failed to create repository: %v", err)
	}
	defer repo.Close()

	fmt.Println("\n4. Ingesting items...")
	ingested, skipped := 0, 0
	for i, item := range items {
		id, err := repo.Ingest(ctx, item)
		if err != nil {
			var verr *knowledge.ValidationError
			if errors.As(err, &verr) {
				log.Printf("Warning: item %d rejected: %v", i, err)
			} else {
				log.Printf("Warning: Failed to ingest item %d: %v", i, err)
			}
			skipped++
			continue
		}
		if item.ID != "" && id != item.ID {
			fmt.Printf("   item %q is a near-duplicate of %s\n", item.ID, id)
		}
		ingested++
	}

	fmt.Printf("\n✅ Successfully indexed %d items (%d skipped)\n", ingested, skipped)
	fmt.Println("\nYou can now run core-server with --store qdrant to serve this knowledge.")
}
