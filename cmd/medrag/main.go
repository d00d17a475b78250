// Package main is the medrag CLI entry point.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hyperjump/medrag/internal/cli"
	"github.com/hyperjump/medrag/internal/config"
	"github.com/hyperjump/medrag/internal/models"
	"github.com/hyperjump/medrag/internal/server"
	"github.com/hyperjump/medrag/internal/watcher"
	"github.com/hyperjump/medrag/pkg/utils"
)

var version = "dev"

const (
	defaultConfigPath = "/usr/local/etc/medrag/config.yaml"
	defaultServerURL  = "http://localhost:8080"
)

// loadConfig loads config from path. When path is the default, it first looks for
// config.yaml in the current directory so that "medrag server" from a project
// dir uses that project's config. Returns the path that was actually loaded.
func loadConfig(path string) (*config.Config, string, error) {
	if path == defaultConfigPath {
		if cwd, cwdErr := os.Getwd(); cwdErr == nil {
			fallback := filepath.Join(cwd, "config.yaml")
			if _, statErr := os.Stat(fallback); statErr == nil {
				cfg, loadErr := config.Load(fallback)
				if loadErr != nil {
					return nil, "", loadErr
				}
				return cfg, fallback, nil
			}
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}
	command := os.Args[1]
	switch command {
	case "server":
		runServer()
	case "ingest":
		runIngest()
	case "reindex":
		runReindex()
	case "delete":
		runDelete()
	case "search":
		runSearch()
	case "chat":
		runChat()
	case "stats":
		runStats()
	case "version", "--version", "-v":
		fmt.Printf("medrag version %s\n", version)
	case "help", "--help", "-h":
		printUsage()
	default:
		fmt.Printf("Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

// setup loads config, builds the logger and initializes components for a
// direct (serverless) command. It exits the process on failure.
func setup(configPath string, debug bool) (*Components, *zap.Logger, *config.Config) {
	cfg, resolved, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	debugMode := cfg.Debug || debug
	logger, err := utils.NewLogger(debugMode)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	logger.Debug("config loaded", zap.String("config_path", resolved), zap.Bool("debug", debugMode))

	components, err := initializeComponents(context.Background(), cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize components", zap.Error(err))
	}
	return components, logger, cfg
}

func fail(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(exitCode(nil))
}

// exitCode distinguishes caller mistakes (2) from everything else (1).
func exitCode(err error) int {
	if err != nil && (errors.Is(err, models.ErrInvalidInput) || errors.Is(err, models.ErrNotFound)) {
		return 2
	}
	return 1
}

func failErr(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", what, err)
	os.Exit(exitCode(err))
}

func runServer() {
	fs := flag.NewFlagSet("server", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	debug := fs.Bool("debug", false, "enable debug logging")
	_ = fs.Parse(os.Args[2:])

	components, logger, cfg := setup(*configPath, *debug)
	defer logger.Sync()
	defer components.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var inbox *watcher.Watcher
	if cfg.Inbox.Directory != "" {
		inbox = watcher.NewWatcher(cfg.Inbox.Directory, components.Indexer, watcher.WithLogger(logger))
		if err := inbox.Start(ctx); err != nil {
			logger.Fatal("Failed to start inbox watcher", zap.Error(err))
		}
	}

	srv := server.NewServer(
		components.Indexer,
		components.Store,
		components.Retriever,
		components.Chat,
		cfg,
		logger,
	)
	go func() {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("Server failed", zap.Error(err))
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	if inbox != nil {
		inbox.Stop()
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Stop(shutdownCtx)
}

func runIngest() {
	fs := flag.NewFlagSet("ingest", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	force := fs.Bool("force", false, "re-index even if the document is already indexed from the same text")
	output := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(reorderArgs(os.Args[2:]))

	if fs.NArg() < 1 {
		fmt.Println("Usage: medrag ingest [flags] <payload.json | ->")
		os.Exit(1)
	}
	format := parseFormat(*output)
	in, err := readPayload(fs.Arg(0))
	if err != nil {
		failErr("Failed to read payload", err)
	}
	in.ForceReindex = in.ForceReindex || *force

	components, logger, _ := setup(*configPath, false)
	defer logger.Sync()
	defer components.Close()

	res, err := components.Indexer.IndexDocument(context.Background(), in)
	if err != nil {
		components.Close()
		failErr("Indexing failed", err)
	}
	_ = cli.WriteIndexResult(os.Stdout, res, format)
}

// readPayload decodes a DocumentInput from path, or from stdin when path is "-".
func readPayload(path string) (*models.DocumentInput, error) {
	var r io.Reader = os.Stdin
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	var in models.DocumentInput
	if err := json.NewDecoder(r).Decode(&in); err != nil {
		return nil, models.Invalidf("decoding payload: %v", err)
	}
	return &in, nil
}

func runReindex() {
	fs := flag.NewFlagSet("reindex", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	documentID := fs.Int64("document", 0, "document id to re-index")
	patientID := fs.Int64("patient", 0, "re-index every document of this patient")
	output := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if (*documentID > 0) == (*patientID > 0) {
		fmt.Println("Usage: medrag reindex [flags] -document N | -patient N")
		os.Exit(1)
	}
	format := parseFormat(*output)

	components, logger, _ := setup(*configPath, false)
	defer logger.Sync()
	defer components.Close()
	ctx := context.Background()

	if *documentID > 0 {
		res, err := components.Indexer.ReindexDocument(ctx, *documentID)
		if err != nil {
			components.Close()
			failErr("Re-index failed", err)
		}
		_ = cli.WriteIndexResult(os.Stdout, res, format)
		return
	}
	res, err := components.Indexer.ReindexPatient(ctx, *patientID)
	if err != nil {
		components.Close()
		failErr("Re-index failed", err)
	}
	_ = cli.WriteReindexResult(os.Stdout, res, format)
}

func runDelete() {
	fs := flag.NewFlagSet("delete", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path")
	documentID := fs.Int64("document", 0, "delete a document and its chunks")
	patientID := fs.Int64("patient", 0, "delete a patient with all documents and chunks")
	extractionID := fs.Int64("extraction", 0, "delete an extraction; its chunks lose the reference")
	chunksOnly := fs.Bool("chunks-only", false, "with -patient: delete vector data only and keep the document registry")
	_ = fs.Parse(os.Args[2:])

	set := 0
	for _, id := range []int64{*documentID, *patientID, *extractionID} {
		if id > 0 {
			set++
		}
	}
	if set != 1 || (*chunksOnly && *patientID <= 0) {
		fmt.Println("Usage: medrag delete [flags] -document N | -patient N [-chunks-only] | -extraction N")
		os.Exit(1)
	}

	components, logger, _ := setup(*configPath, false)
	defer logger.Sync()
	defer components.Close()
	ctx := context.Background()

	var err error
	var msg string
	switch {
	case *documentID > 0:
		err = components.Indexer.DeleteDocument(ctx, *documentID)
		msg = fmt.Sprintf("Document deleted: %d", *documentID)
	case *patientID > 0 && *chunksOnly:
		var n int64
		n, err = components.Indexer.DeletePatientChunks(ctx, *patientID)
		msg = fmt.Sprintf("Deleted %d chunks of patient %d", n, *patientID)
	case *patientID > 0:
		err = components.Indexer.DeletePatient(ctx, *patientID)
		msg = fmt.Sprintf("Patient deleted: %d", *patientID)
	default:
		err = components.Indexer.DeleteExtraction(ctx, *extractionID)
		msg = fmt.Sprintf("Extraction deleted: %d", *extractionID)
	}
	if err != nil {
		components.Close()
		failErr("Deletion failed", err)
	}
	fmt.Println(msg)
}

// printSearchUsage prints search subcommand usage.
func printSearchUsage(fs *flag.FlagSet) {
	fmt.Fprintf(fs.Output(), "Usage: medrag search [flags] -patient N <query>\n\n")
	fmt.Fprintf(fs.Output(), "Query is all remaining arguments joined by spaces. Multi-word queries work with or without quotes.\n\n")
	fs.PrintDefaults()
	fmt.Fprintf(fs.Output(), `
Examples:
  medrag search -patient 12 hemoglobin trend
  medrag search -patient 12 -top-k 10 -type lab_report "fasting glucose"
  medrag search -patient 12 -json glucose         # structured JSON for other apps
`)
}

// joinArgs joins all positional args with spaces so multi-word input works the
// same with or without shell quoting.
func joinArgs(args []string) string {
	return strings.TrimSpace(strings.Join(args, " "))
}

// reorderArgs moves any flags (and their values) that appear after the
// positional text to the front so that flag.Parse() sees them. Go's flag
// package stops at the first non-flag argument, so
// "medrag search glucose -patient 3" would otherwise leave -patient unparsed.
func reorderArgs(args []string) []string {
	for i, a := range args {
		if len(a) > 1 && a[0] == '-' {
			if i == 0 {
				return args
			}
			reordered := make([]string, 0, len(args))
			reordered = append(reordered, args[i:]...)
			reordered = append(reordered, args[:i]...)
			return reordered
		}
	}
	return args
}

func parseFormat(s string) cli.OutputFormat {
	switch s {
	case "json":
		return cli.OutputJSON
	case "text", "":
		return cli.OutputText
	default:
		fail("Unknown output format %q; use text or json", s)
		return cli.OutputText
	}
}

func runSearch() {
	fs := flag.NewFlagSet("search", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the store directly)")
	patientID := fs.Int64("patient", 0, "patient whose documents are searched (required)")
	topK := fs.Int("top-k", 0, "number of passages (default from config)")
	docType := fs.String("type", "", "only passages from this document type")
	documentID := fs.Int64("document", 0, "only passages from this document")
	jsonOut := fs.Bool("json", false, "write JSON instead of text")
	fs.Usage = func() { printSearchUsage(fs) }
	_ = fs.Parse(reorderArgs(os.Args[2:]))

	query := joinArgs(fs.Args())
	if query == "" || *patientID <= 0 {
		printSearchUsage(fs)
		os.Exit(1)
	}
	format := cli.OutputText
	if *jsonOut {
		format = cli.OutputJSON
	}
	sq := &models.SearchQuery{Query: query, TopK: *topK, Filters: models.Filters{DocumentType: *docType}}
	if *documentID > 0 {
		sq.Filters.DocumentID = documentID
	}

	var response models.SearchResponse
	if *serverURL != "" {
		client := newAPIClient(*serverURL)
		if err := client.postJSON(fmt.Sprintf("/api/v1/patients/%d/search", *patientID), sq, &response); err != nil {
			failErr("Search failed", err)
		}
	} else {
		components, logger, _ := setup(*configPath, false)
		defer logger.Sync()
		defer components.Close()
		res, err := components.Retriever.SearchText(context.Background(), *patientID, sq)
		if err != nil {
			components.Close()
			failErr("Search failed", err)
		}
		response = *res
	}
	if err := cli.WriteSearchResults(os.Stdout, &response, format); err != nil {
		failErr("Output failed", err)
	}
}

func runChat() {
	fs := flag.NewFlagSet("chat", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the store directly)")
	patientID := fs.Int64("patient", 0, "patient the question is about (required)")
	historyPath := fs.String("history", "", "JSON file with prior chat_history turns; updated after the answer")
	jsonOut := fs.Bool("json", false, "write JSON instead of text")
	_ = fs.Parse(reorderArgs(os.Args[2:]))

	question := joinArgs(fs.Args())
	if question == "" || *patientID <= 0 {
		fmt.Println("Usage: medrag chat [flags] -patient N <question>")
		os.Exit(1)
	}
	format := cli.OutputText
	if *jsonOut {
		format = cli.OutputJSON
	}
	history, err := readHistory(*historyPath)
	if err != nil {
		failErr("Failed to read history", err)
	}
	req := &models.ChatRequest{PatientID: *patientID, Question: question, History: history}

	var resp models.ChatResponse
	if *serverURL != "" {
		client := newAPIClient(*serverURL)
		if err := client.postJSON(fmt.Sprintf("/api/v1/patients/%d/chat", *patientID), req, &resp); err != nil {
			failErr("Chat failed", err)
		}
	} else {
		components, logger, _ := setup(*configPath, false)
		defer logger.Sync()
		defer components.Close()
		res, err := components.Chat.Chat(context.Background(), req)
		if err != nil {
			components.Close()
			failErr("Chat failed", err)
		}
		resp = *res
	}
	if *historyPath != "" {
		if err := writeHistory(*historyPath, resp.History); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to save history: %v\n", err)
		}
	}
	if err := cli.WriteChatResponse(os.Stdout, &resp, format); err != nil {
		failErr("Output failed", err)
	}
}

// readHistory loads chat turns from path. A missing file is an empty history.
func readHistory(path string) ([]models.ChatTurn, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var turns []models.ChatTurn
	if err := json.Unmarshal(data, &turns); err != nil {
		return nil, models.Invalidf("decoding %s: %v", path, err)
	}
	return turns, nil
}

func writeHistory(path string, turns []models.ChatTurn) error {
	data, err := json.MarshalIndent(turns, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o600)
}

func runStats() {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "config file path (direct mode)")
	serverURL := fs.String("server", defaultServerURL, "server URL (empty = open the store directly)")
	patientID := fs.Int64("patient", 0, "patient id (required)")
	output := fs.String("output", "text", "output format: text or json")
	_ = fs.Parse(os.Args[2:])

	if *patientID <= 0 {
		fmt.Println("Usage: medrag stats [flags] -patient N")
		os.Exit(1)
	}
	format := parseFormat(*output)

	var stats models.PatientStats
	if *serverURL != "" {
		client := newAPIClient(*serverURL)
		if err := client.getJSON("/api/v1/patients/"+strconv.FormatInt(*patientID, 10)+"/stats", &stats); err != nil {
			failErr("Stats failed", err)
		}
	} else {
		components, logger, _ := setup(*configPath, false)
		defer logger.Sync()
		defer components.Close()
		res, err := components.Store.PatientStats(context.Background(), *patientID)
		if err != nil {
			components.Close()
			failErr("Stats failed", err)
		}
		stats = *res
	}
	if err := cli.WriteStats(os.Stdout, &stats, format); err != nil {
		failErr("Output failed", err)
	}
}

func printUsage() {
	fmt.Println(`medrag - patient document retrieval and grounded chat

Usage:
  medrag server [flags]                        Start the HTTP server (and the inbox watcher if configured)
  medrag ingest [flags] <payload.json | ->     Index one extracted document (DocumentInput JSON)
  medrag reindex [flags] -document N           Re-derive a document's chunks from its stored text
  medrag reindex [flags] -patient N            Re-index every document of a patient
  medrag delete [flags] -document N            Delete a document and its chunks
  medrag delete [flags] -patient N             Delete a patient with all documents and chunks
  medrag delete [flags] -patient N -chunks-only  Delete a patient's vector data only
  medrag delete [flags] -extraction N          Delete an extraction record
  medrag search [flags] -patient N <query>     Retrieve a patient's nearest passages
  medrag chat [flags] -patient N <question>    Ask a question about a patient's documents
  medrag stats [flags] -patient N              Show a patient's index statistics
  medrag version                               Show version
  medrag help                                  Show this help

Common Flags:
  --config string    Config file path (default: /usr/local/etc/medrag/config.yaml, or ./config.yaml when present)

Search / Chat / Stats Flags:
  --server string    Server URL (default: http://localhost:8080). Use --server "" to open the store directly.
  --patient int      Patient id (required)
  --top-k int        Passages to retrieve (search)
  --type string      Document type filter (search)
  --document int     Document filter (search)
  --history string   Chat history file, read before and rewritten after the answer (chat)
  --json             JSON output (search, chat)

Examples:
  medrag server --debug
  medrag ingest payload.json
  cat payload.json | medrag ingest --force -
  medrag search -patient 12 hemoglobin
  medrag chat -patient 12 -history /tmp/chat.json "What was my last hemoglobin value?"
  medrag reindex -patient 12
  medrag delete -document 345
  medrag stats -patient 12 --output json`)
}
