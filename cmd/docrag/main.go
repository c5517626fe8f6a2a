package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/fatih/color"
	"github.com/schollz/progressbar/v3"

	"github.com/xhad/docrag/internal/models"
	"github.com/xhad/docrag/internal/types"
	"github.com/xhad/docrag/pkg/app"
	"github.com/xhad/docrag/pkg/chat"
	cfgPkg "github.com/xhad/docrag/pkg/config"
	"github.com/xhad/docrag/pkg/ingest"
	"github.com/xhad/docrag/pkg/logging"
	"github.com/xhad/docrag/pkg/scraper"
	"github.com/xhad/docrag/pkg/search"
)

type Config struct {
	ConfigPath string
	User       string
	Streaming  bool
	Migrate    bool
	Delete     string
	List       bool
	Scope      string
	URL        string
	BaseURL    string
	DBUrl      string
	Model      string
	Files      []string
}

func main() {
	config := parseFlags()

	if err := run(config); err != nil {
		log.Fatal(err)
	}
}

func parseFlags() Config {
	var config Config

	defaultUser := os.Getenv("USER")
	if defaultUser == "" {
		defaultUser = "local"
	}

	flag.StringVar(&config.ConfigPath, "config", "", "Path to config file")
	flag.StringVar(&config.User, "user", defaultUser, "Owner ID for documents and sessions")
	flag.BoolVar(&config.Streaming, "stream", true, "Enable streaming responses")
	flag.BoolVar(&config.Migrate, "migrate", false, "Apply database migrations before starting")
	flag.StringVar(&config.Delete, "delete", "", "Delete the document with this ID and exit")
	flag.BoolVar(&config.List, "list", false, "List documents and exit")
	flag.StringVar(&config.Scope, "doc", "", "Limit the chat to one document ID")
	flag.StringVar(&config.URL, "url", "", "Crawl this URL and ingest the pages found")
	flag.StringVar(&config.BaseURL, "ollama-url", "", "Ollama server URL (overrides config)")
	flag.StringVar(&config.DBUrl, "db-url", "", "PostgreSQL connection string (overrides config)")
	flag.StringVar(&config.Model, "model", "", "LLM model to use (overrides config)")
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [files...]\n\n", os.Args[0])
		fmt.Fprintln(flag.CommandLine.Output(), "Ingests the given files, then opens an interactive chat.")
		flag.PrintDefaults()
	}
	flag.Parse()
	config.Files = flag.Args()

	return config
}

func loadConfig(config Config) (*cfgPkg.Config, error) {
	cfg, err := cfgPkg.LoadConfig(config.ConfigPath)
	if err != nil {
		return nil, err
	}
	if config.BaseURL != "" {
		cfg.LLM.BaseURL = config.BaseURL
		if cfg.Embedding.Provider == cfg.LLM.Provider {
			cfg.Embedding.BaseURL = config.BaseURL
		}
	}
	if config.DBUrl != "" {
		cfg.Database.URL = config.DBUrl
		cfg.Database.Driver = "postgres"
	}
	if config.Model != "" {
		cfg.LLM.Model = config.Model
	}
	if config.Migrate {
		cfg.Database.Migrate = true
	}
	// Keep the terminal for the conversation.
	if os.Getenv("DOCRAG_LOG_LEVEL") == "" {
		cfg.Log.Level = "warn"
	}
	return cfg, nil
}

func getProgressBar(total int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(total,
		progressbar.OptionSetDescription(color.BlueString(description)),
		progressbar.OptionSetItsString("files"),
		progressbar.OptionShowCount(),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "█",
			SaucerHead:    "█",
			SaucerPadding: "░",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetRenderBlankState(true),
	)
}

func getSpinner(description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(-1,
		progressbar.OptionSetDescription(color.CyanString(description)),
		progressbar.OptionSpinnerType(14),
		progressbar.OptionSetWidth(20),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionSetRenderBlankState(true),
		progressbar.OptionClearOnFinish(),
	)
}

func run(config Config) error {
	cfg, err := loadConfig(config)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	logger := logging.New(cfg.Log.Level, cfg.Log.Format, os.Stderr)

	ctx := context.Background()
	a, err := app.New(ctx, cfg, logger, app.Options{})
	if err != nil {
		return fmt.Errorf("failed to initialize: %w", err)
	}
	defer a.Close()

	switch {
	case config.Delete != "":
		if err := a.Ingest.Delete(ctx, config.Delete, config.User); err != nil {
			return fmt.Errorf("failed to delete document: %w", err)
		}
		color.Green("✓ Deleted %s\n", config.Delete)
		return nil
	case config.List:
		return listDocuments(ctx, a, config.User)
	}

	if config.URL != "" {
		if err := importURL(ctx, a, config.User, config.URL); err != nil {
			return err
		}
	}
	if len(config.Files) > 0 {
		ingestFiles(ctx, a, config.User, config.Files)
	}

	return chatLoop(ctx, a, config, os.Stdin)
}

func ingestFiles(ctx context.Context, a *app.App, owner string, files []string) {
	color.Blue("\nIngesting %d file(s)\n", len(files))
	bar := getProgressBar(len(files), "📄 Processing documents...")

	type outcome struct {
		file string
		doc  *models.Document
		res  ingest.Result
		err  error
	}
	outcomes := make([]outcome, 0, len(files))

	for _, file := range files {
		bar.Describe(color.BlueString("📄 %s", filepath.Base(file)))
		doc, res, err := ingestFile(ctx, a, owner, file)
		outcomes = append(outcomes, outcome{file: file, doc: doc, res: res, err: err})
		bar.Add(1)
	}
	bar.Finish()
	fmt.Println()

	for _, o := range outcomes {
		switch {
		case o.err != nil:
			color.Red("✗ %s: %v\n", o.file, o.err)
		case o.res.OCRUnavailable:
			color.Yellow("! %s stored without text (no OCR backend) [%s]\n", o.file, o.doc.ID)
		default:
			color.Green("✓ %s: %d chunks [%s]\n", o.file, o.res.ChunkCount, o.doc.ID)
		}
	}
}

func ingestFile(ctx context.Context, a *app.App, owner, path string) (*models.Document, ingest.Result, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, ingest.Result{}, err
	}
	if info.Size() > a.Config.Extractor.MaxFileSize {
		return nil, ingest.Result{}, fmt.Errorf("%w: file size %d exceeds limit %d", types.ErrInvalidInput, info.Size(), a.Config.Extractor.MaxFileSize)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, ingest.Result{}, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}

	return ingestBytes(ctx, a, ingest.Upload{
		OwnerID:     owner,
		Filename:    filepath.Base(path),
		FileType:    mime.TypeByExtension(filepath.Ext(path)),
		Size:        info.Size(),
		StoragePath: abs,
	}, data)
}

func ingestBytes(ctx context.Context, a *app.App, up ingest.Upload, data []byte) (*models.Document, ingest.Result, error) {
	doc, err := a.Ingest.Accept(ctx, up)
	if err != nil {
		return nil, ingest.Result{}, err
	}

	res, err := a.Ingest.Ingest(ctx, ingest.Request{
		DocumentID:   doc.ID,
		OwnerID:      up.OwnerID,
		Data:         data,
		DeclaredType: doc.FileType,
	})
	return doc, res, err
}

func importURL(ctx context.Context, a *app.App, owner, startURL string) error {
	color.Blue("\nStarting crawl of %s\n", startURL)
	scrapingBar := getProgressBar(-1, "📄 Scraping pages...")

	sc, err := a.NewScraper(startURL, func(p scraper.Page) {
		scrapingBar.Add(1)
		scrapingBar.Describe(color.BlueString("📄 %s", p.URL))
	})
	if err != nil {
		return err
	}
	pages, err := sc.Scrape(ctx)
	scrapingBar.Finish()
	if err != nil {
		return fmt.Errorf("failed to scrape %s: %w", startURL, err)
	}
	color.Green("\n✓ Scraped %d pages\n", len(pages))

	processingBar := getProgressBar(len(pages), "🔄 Processing pages...")
	var chunks, failed int
	for _, page := range pages {
		_, res, err := ingestBytes(ctx, a, ingest.Upload{
			OwnerID:     owner,
			Filename:    page.Filename(),
			FileType:    page.ContentType,
			Size:        int64(len(page.Body)),
			StoragePath: page.URL,
		}, page.Body)
		if err != nil {
			failed++
		}
		chunks += res.ChunkCount
		processingBar.Add(1)
	}
	processingBar.Finish()
	color.Green("\n✓ Indexed %d chunks from %d pages\n", chunks, len(pages)-failed)
	if failed > 0 {
		color.Yellow("! %d pages failed\n", failed)
	}
	return nil
}

func listDocuments(ctx context.Context, a *app.App, owner string) error {
	docs, err := a.Store.ListDocuments(ctx, owner)
	if err != nil {
		return fmt.Errorf("failed to list documents: %w", err)
	}
	if len(docs) == 0 {
		color.Yellow("No documents for %s\n", owner)
		return nil
	}
	for _, d := range docs {
		status := color.GreenString(string(d.Status))
		if d.Status == models.StatusFailed {
			status = color.RedString("%s (%s)", d.Status, d.Error)
		}
		fmt.Printf("%s  %-30s %4d chunks  %s\n", d.ID, d.Filename, d.ChunkCount, status)
	}
	return nil
}

func chatLoop(ctx context.Context, a *app.App, config Config, in io.Reader) error {
	session, err := a.Chat.CreateSession(ctx, config.User, config.Scope, "")
	if err != nil {
		return fmt.Errorf("failed to start chat session: %w", err)
	}

	color.Cyan("\nChat with your documents (type 'exit' to quit, '/search <query>' to search)")

	scanner := bufio.NewScanner(in)
	userPrompt := color.New(color.FgGreen).PrintfFunc()
	assistantPrompt := color.New(color.FgCyan).PrintfFunc()

	for {
		userPrompt("\nYou: ")
		if !scanner.Scan() {
			break
		}

		query := strings.TrimSpace(scanner.Text())
		if query == "" {
			continue
		}
		if strings.ToLower(query) == "exit" {
			break
		}
		if q, ok := strings.CutPrefix(query, "/search "); ok {
			runSearch(ctx, a, config.User, q)
			continue
		}

		var opts []chat.SendOption
		spinner := getSpinner(" Thinking...")
		firstChunk := true
		if config.Streaming {
			opts = append(opts, chat.WithStream(func(_ context.Context, chunk []byte) error {
				if firstChunk {
					spinner.Finish()
					firstChunk = false
					assistantPrompt("\nAssistant: ")
				}
				fmt.Print(string(chunk))
				return nil
			}))
		}

		reply, err := a.Chat.Send(ctx, session.ID, config.User, query, opts...)
		if firstChunk {
			spinner.Finish()
		}
		if err != nil {
			if errors.Is(err, types.ErrGenerationFailed) {
				color.Red("\nThe model failed to answer: %v\n", err)
			} else {
				color.Red("\nError: %v\n", err)
			}
			continue
		}

		if firstChunk {
			assistantPrompt("\nAssistant: %s", reply.Answer)
		}
		fmt.Print("\n")
		printSources(reply)
	}

	return scanner.Err()
}

func printSources(reply *chat.Reply) {
	if reply.NoContext || len(reply.Sources) == 0 {
		return
	}
	cited := make(map[string]bool, len(reply.CitedChunkIDs))
	for _, id := range reply.CitedChunkIDs {
		cited[id] = true
	}
	for i, src := range reply.Sources {
		mark := " "
		for _, id := range src.ChunkIDs {
			if cited[id] {
				mark = "*"
				break
			}
		}
		color.Yellow("%s[%d] %s (%.2f)\n", mark, i+1, src.Filename, src.Score)
	}
}

func runSearch(ctx context.Context, a *app.App, owner, query string) {
	spinner := getSpinner(" Searching documents...")
	hits, err := a.Search.Search(ctx, owner, query, search.Filters{})
	spinner.Finish()
	if err != nil {
		color.Red("Error: %v\n", err)
		return
	}
	if len(hits) == 0 {
		color.Yellow("No matches\n")
		return
	}
	for _, h := range hits {
		color.Cyan("%s (%.2f)\n", h.Filename, h.Score)
		fmt.Printf("  %s\n", h.Snippet)
	}
}
