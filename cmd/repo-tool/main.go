// Package main provides a CLI tool for working with a file repository
// container and the tree metadata that references it.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fruitsalade/fruitsalade/filerepo/internal/backend/container"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/config"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/logging"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/repository"
	"github.com/fruitsalade/fruitsalade/filerepo/internal/storage/factory"
	"github.com/fruitsalade/fruitsalade/filerepo/pkg/models"
	"github.com/fruitsalade/fruitsalade/filerepo/pkg/tree"
)

func main() {
	root := flag.String("container", "./container", "Container directory")
	metadataPath := flag.String("metadata", "", "Tree metadata file (compact format)")
	format := flag.String("format", "compact", "Output format for show: compact or explicit")
	compress := flag.Bool("compress", false, "Compress objects when packing")
	configFile := flag.String("config", "", "Optional YAML configuration file")

	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		printUsage()
		os.Exit(1)
	}

	cfg, err := loadConfig(*configFile)
	if err != nil {
		fatalf("Error loading config: %v", err)
	}
	if err := logging.Init(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, OutputPath: "stderr"}); err != nil {
		fatalf("Error initializing logging: %v", err)
	}
	defer logging.Sync()

	ctx := context.Background()
	cmd := args[0]
	cmdArgs := args[1:]

	if cmd == "help" {
		printUsage()
		return
	}

	opts, closeStore := containerOptions(ctx, cfg)
	defer closeStore()

	if cmd == "init" {
		cmdInit(ctx, *root, opts)
		return
	}

	c, err := container.Open(*root, opts)
	if err != nil {
		fatalf("Error opening container: %v", err)
	}
	defer c.Close()

	t := &tool{ctx: ctx, container: c, metadataPath: *metadataPath}

	switch cmd {
	case "put":
		t.cmdPut(cmdArgs)
	case "put-tree":
		t.cmdPutTree(cmdArgs)
	case "cat":
		t.cmdCat(cmdArgs)
	case "ls":
		t.cmdList(cmdArgs)
	case "show":
		t.cmdShow(*format)
	case "pack":
		t.cmdPack(*compress || cfg.PackCompress)
	case "stats":
		t.cmdStats()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`File Repository Tool

Usage: repo-tool [flags] <command> [args]

Flags:
  -container <dir>    Container directory (default: ./container)
  -metadata <file>    Tree metadata file read and updated by put, put-tree, cat, ls, show
  -format <name>      Output format for show: compact, explicit (default: compact)
  -compress           Compress objects when packing
  -config <file>      YAML configuration file

Commands:
  init                    Create a new container
  put <path> <file>       Store a file at path
  put-tree <dir> [path]   Store a directory tree below path (default: root)
  cat <path>              Print the content of a file
  ls [path]               List a directory
  show                    Print the tree metadata
  pack                    Move all loose objects into packs
  stats                   Show container statistics
  help                    Show this help message

Examples:
  repo-tool -container /data/container init
  repo-tool -metadata node.json put-tree ./raw_input
  repo-tool -metadata node.json cat sub/file.txt
  repo-tool -metadata node.json -format explicit show
  repo-tool -compress pack`)
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.LoadFile(path)
	}
	return config.Load()
}

// containerOptions selects where container objects live. Local storage keeps
// them under the container root.
func containerOptions(ctx context.Context, cfg *config.Config) (container.Options, func()) {
	opts := container.Options{
		HashType:       cfg.ContainerHashType,
		PackSizeTarget: cfg.PackSizeTarget,
	}
	if cfg.StorageBackend != "s3" {
		return opts, func() {}
	}
	store, err := factory.FromConfig(ctx, cfg, "")
	if err != nil {
		fatalf("Error initializing storage: %v", err)
	}
	opts.Storage = store
	return opts, func() { store.Close() }
}

func cmdInit(ctx context.Context, root string, opts container.Options) {
	c, err := container.New(root, opts)
	if err != nil {
		fatalf("Error creating container: %v", err)
	}
	defer c.Close()
	if err := c.Init(ctx); err != nil {
		fatalf("Error initializing container: %v", err)
	}
	cfg := c.Config()
	fmt.Printf("Initialized container %s at %s (%s)\n", cfg.ContainerID, root, cfg.HashType)
}

type tool struct {
	ctx          context.Context
	container    *container.Container
	metadataPath string
}

// repository returns a repository over the container holding the tree from
// the metadata file, or an empty tree when the file does not exist yet.
func (t *tool) repository() *repository.Repository {
	repo := repository.New(t.container)
	if t.metadataPath == "" {
		return repo
	}
	blob, err := os.ReadFile(t.metadataPath)
	if errors.Is(err, os.ErrNotExist) {
		return repo
	}
	if err != nil {
		fatalf("Error reading metadata: %v", err)
	}
	if err := repo.LoadSerialized(blob); err != nil {
		fatalf("Error loading metadata: %v", err)
	}
	return repo
}

// save writes the tree back to the metadata file, or prints it when no file
// is configured.
func (t *tool) save(repo *repository.Repository) {
	blob, err := repo.Serialize()
	if err != nil {
		fatalf("Error serializing tree: %v", err)
	}
	if t.metadataPath == "" {
		fmt.Println(string(blob))
		return
	}
	if err := os.WriteFile(t.metadataPath, append(blob, '\n'), 0644); err != nil {
		fatalf("Error writing metadata: %v", err)
	}
}

func (t *tool) cmdPut(args []string) {
	if len(args) != 2 {
		fatalf("Usage: repo-tool put <path> <file>")
	}
	repo := t.repository()
	key, err := repo.PutObjectFromFile(t.ctx, args[0], args[1])
	if err != nil {
		fatalf("Error storing file: %v", err)
	}
	t.save(repo)
	fmt.Fprintf(os.Stderr, "Stored %s as %s\n", args[0], key)
}

func (t *tool) cmdPutTree(args []string) {
	if len(args) == 0 || len(args) > 2 {
		fatalf("Usage: repo-tool put-tree <dir> [path]")
	}
	dest := ""
	if len(args) == 2 {
		dest = args[1]
	}
	repo := t.repository()
	if err := repo.PutObjectFromTree(t.ctx, args[0], dest); err != nil {
		fatalf("Error storing tree: %v", err)
	}
	t.save(repo)
	fmt.Fprintf(os.Stderr, "Stored %s, tree holds %d objects\n", args[0], tree.CountNodes(repo.Hierarchy())-1)
}

func (t *tool) cmdCat(args []string) {
	if len(args) != 1 {
		fatalf("Usage: repo-tool cat <path>")
	}
	content, err := t.repository().GetObjectContent(t.ctx, args[0])
	if err != nil {
		fatalf("Error reading %s: %v", args[0], err)
	}
	os.Stdout.Write(content)
}

func (t *tool) cmdList(args []string) {
	path := ""
	if len(args) > 0 {
		path = args[0]
	}
	dir, err := t.repository().GetObject(path)
	if err != nil {
		fatalf("Error listing %s: %v", path, err)
	}
	if !dir.IsDir() {
		fatalf("Error listing %s: not a directory", path)
	}
	if dir.Len() == 0 {
		fmt.Println("Directory is empty")
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tKEY")
	fmt.Fprintln(w, "----\t----\t---")
	for _, name := range dir.Names() {
		child := dir.Child(name)
		key, _ := child.Key()
		if child.FileType() == models.Directory {
			name += "/"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", name, child.FileType(), key)
	}
	w.Flush()
}

func (t *tool) cmdShow(formatName string) {
	format, err := tree.ParseFormat(formatName)
	if err != nil {
		fatalf("Error: %v", err)
	}
	blob, err := t.repository().SerializeFormat(format)
	if err != nil {
		fatalf("Error serializing tree: %v", err)
	}
	fmt.Println(string(blob))
}

func (t *tool) cmdPack(compress bool) {
	before, err := t.container.Stats(t.ctx)
	if err != nil {
		fatalf("Error reading stats: %v", err)
	}
	if err := t.container.PackAllLoose(t.ctx, compress); err != nil {
		fatalf("Error packing: %v", err)
	}
	fmt.Printf("Packed %d loose objects (compress=%v)\n", before.LooseCount, compress)
}

func (t *tool) cmdStats() {
	s, err := t.container.Stats(t.ctx)
	if err != nil {
		fatalf("Error reading stats: %v", err)
	}
	cfg := t.container.Config()

	fmt.Println("Container Statistics")
	fmt.Println("--------------------")
	fmt.Printf("Root:         %s\n", t.container.Root())
	fmt.Printf("ID:           %s\n", cfg.ContainerID)
	fmt.Printf("Hash:         %s\n", cfg.HashType)
	fmt.Printf("Loose:        %d (%s)\n", s.LooseCount, formatSize(s.LooseBytes))
	fmt.Printf("Packed:       %d\n", s.PackedCount)
	fmt.Printf("Packs:        %d (%s)\n", s.PackCount, formatSize(s.PackedBytes))
}

func formatSize(size int64) string {
	const unit = 1024
	if size < unit {
		return fmt.Sprintf("%d B", size)
	}
	div, exp := int64(unit), 0
	for n := size / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %cB", float64(size)/float64(div), "KMGTPE"[exp])
}
