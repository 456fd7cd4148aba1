// main package for the tts-client command line tool
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/book-expert/logger"
	"github.com/book-expert/tts-api/internal/client"
)

// Flag descriptions.
const (
	flagURLDesc       = "Base URL of the TTS API"
	flagOutputDesc    = "Output file (--text) or directory (--chunks)"
	flagChunksDesc    = "JSON file containing an array of text chunks"
	flagVerboseDesc   = "Enable verbose logging"
	flagHealthDesc    = "Check TTS API health and exit"
	flagVoicesDesc    = "List predefined voices and exit"
	flagLanguagesDesc = "List supported languages and exit"
	flagTextDesc      = "Text to convert to speech"
	flagCloneDesc     = "Reference recording to clone the voice from (requires --text)"
	flagLanguageDesc  = "Language code; empty uses the server default"
	flagSpeakerDesc   = "Predefined speaker; empty uses the server default"
	flagFormatDesc    = "Output format: wav or mp3"
	flagWorkersDesc   = "Concurrent requests for --chunks"
	flagTimeoutDesc   = "Timeout of a single request"
	flagLogDirDesc    = "Directory for the client log file"
)

// Flag names.
const (
	flagURL       = "url"
	flagText      = "text"
	flagOutput    = "output"
	flagChunks    = "chunks"
	flagVerbose   = "verbose"
	flagHealth    = "health"
	flagVoices    = "voices"
	flagLanguages = "languages"
	flagClone     = "clone"
	flagLanguage  = "language"
	flagSpeaker   = "speaker"
	flagFormat    = "format"
	flagWorkers   = "workers"
	flagTimeout   = "timeout"
	flagLogDir    = "log-dir"
)

// Error and log messages.
const (
	errEitherTextOrChunks  = "Either --text or --chunks must be provided"
	errCannotSpecifyBoth   = "Cannot specify both --text and --chunks"
	errCloneNeedsText      = "--clone requires --text"
	errUnsupportedFormat   = "--format must be wav or mp3"
	errFmtProcessText      = "failed to process text: %w"
	errFmtProcessChunks    = "failed to process chunks: %w"
	errFmtHealthCheck      = "health check failed: %w"
	logFmtProcessingText   = "Processing single text to: %s"
	logFmtGenerated        = "Generated: %s\n"
	logFmtProcessingChunks = "Processing chunks from %s into %s"
	logFmtGeneratedDir     = "Generated audio files in: %s\n"
)

const (
	defaultURL         = "http://localhost:8000"
	defaultOutputDir   = "output"
	defaultWorkers     = 2
	defaultTimeout     = 5 * time.Minute
	logFileNameDefault = "tts-client.log"
	logFileNameVerbose = "tts-client-verbose.log"
)

var (
	errMissingInput = errors.New(errEitherTextOrChunks)
	errBothInputs   = errors.New(errCannotSpecifyBoth)
	errCloneText    = errors.New(errCloneNeedsText)
	errFormat       = errors.New(errUnsupportedFormat)
)

// appFlags holds the parsed command-line flag values.
type appFlags struct {
	url       string
	text      string
	output    string
	chunks    string
	clone     string
	language  string
	speaker   string
	format    string
	logDir    string
	workers   int
	timeout   time.Duration
	verbose   bool
	health    bool
	voices    bool
	languages bool
}

func main() {
	err := run(os.Args[1:], os.Stdout)
	if err != nil {
		// A logger might not be initialized yet, so use the standard log package.
		log.Fatalf("Error: %v", err)
	}
}

// run is the main application entry point, returning an error on failure.
func run(args []string, stdout io.Writer) error {
	flags, err := parseFlags(args)
	if err != nil {
		return err
	}

	err = validateFlags(flags)
	if err != nil {
		return err
	}

	logFileName := logFileNameDefault
	if flags.verbose {
		logFileName = logFileNameVerbose
	}

	clientLog, err := logger.New(flags.logDir, logFileName)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer clientLog.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	apiClient := client.New(flags.url, flags.timeout)

	return execute(ctx, apiClient, clientLog, flags, stdout)
}

// parseFlags parses args into appFlags.
func parseFlags(args []string) (appFlags, error) {
	var flags appFlags

	flagSet := flag.NewFlagSet("tts-client", flag.ContinueOnError)
	flagSet.StringVar(&flags.url, flagURL, defaultURL, flagURLDesc)
	flagSet.StringVar(&flags.text, flagText, "", flagTextDesc)
	flagSet.StringVar(&flags.output, flagOutput, "", flagOutputDesc)
	flagSet.StringVar(&flags.chunks, flagChunks, "", flagChunksDesc)
	flagSet.StringVar(&flags.clone, flagClone, "", flagCloneDesc)
	flagSet.StringVar(&flags.language, flagLanguage, "", flagLanguageDesc)
	flagSet.StringVar(&flags.speaker, flagSpeaker, "", flagSpeakerDesc)
	flagSet.StringVar(&flags.format, flagFormat, "wav", flagFormatDesc)
	flagSet.StringVar(&flags.logDir, flagLogDir, os.TempDir(), flagLogDirDesc)
	flagSet.IntVar(&flags.workers, flagWorkers, defaultWorkers, flagWorkersDesc)
	flagSet.DurationVar(&flags.timeout, flagTimeout, defaultTimeout, flagTimeoutDesc)
	flagSet.BoolVar(&flags.verbose, flagVerbose, false, flagVerboseDesc)
	flagSet.BoolVar(&flags.health, flagHealth, false, flagHealthDesc)
	flagSet.BoolVar(&flags.voices, flagVoices, false, flagVoicesDesc)
	flagSet.BoolVar(&flags.languages, flagLanguages, false, flagLanguagesDesc)

	err := flagSet.Parse(args)
	if err != nil {
		return appFlags{}, fmt.Errorf("failed to parse flags: %w", err)
	}

	flags.format = strings.ToLower(flags.format)

	return flags, nil
}

// validateFlags checks for required and conflicting arguments.
func validateFlags(flags appFlags) error {
	if flags.health || flags.voices || flags.languages {
		return nil
	}

	if flags.text == "" && flags.chunks == "" {
		return errMissingInput
	}

	if flags.text != "" && flags.chunks != "" {
		return errBothInputs
	}

	if flags.clone != "" && flags.text == "" {
		return errCloneText
	}

	if flags.format != "wav" && flags.format != "mp3" {
		return errFormat
	}

	return nil
}

// execute dispatches to the mode selected by flags.
func execute(
	ctx context.Context,
	apiClient *client.Client,
	clientLog *logger.Logger,
	flags appFlags,
	stdout io.Writer,
) error {
	switch {
	case flags.health:
		return printHealth(ctx, apiClient, stdout)
	case flags.voices:
		voices, err := apiClient.Voices(ctx)
		if err != nil {
			return err
		}

		return printLines(stdout, voices)
	case flags.languages:
		languages, err := apiClient.Languages(ctx)
		if err != nil {
			return err
		}

		return printLines(stdout, languages)
	}

	template := client.SynthesisRequest{
		Language: flags.language,
		Speaker:  flags.speaker,
		Format:   flags.format,
	}

	if flags.text != "" {
		return processSingleText(ctx, apiClient, clientLog, flags, template, stdout)
	}

	return processChunks(ctx, apiClient, clientLog, flags, template, stdout)
}

func printHealth(ctx context.Context, apiClient *client.Client, stdout io.Writer) error {
	health, err := apiClient.Health(ctx)
	if err != nil {
		return fmt.Errorf(errFmtHealthCheck, err)
	}

	_, err = fmt.Fprintf(stdout, "%s (engine %s, model %s, device %s)\n",
		health.Status, health.Engine, health.Model, health.Device)

	return err
}

func printLines(stdout io.Writer, lines []string) error {
	for _, line := range lines {
		_, err := fmt.Fprintln(stdout, line)
		if err != nil {
			return err
		}
	}

	return nil
}

// processSingleText converts one text, cloning the voice when --clone is set.
func processSingleText(
	ctx context.Context,
	apiClient *client.Client,
	clientLog *logger.Logger,
	flags appFlags,
	template client.SynthesisRequest,
	stdout io.Writer,
) error {
	outputPath := flags.output
	if outputPath == "" {
		outputPath = "output." + flags.format
	}

	clientLog.Info(logFmtProcessingText, outputPath)

	req := template
	req.Text = flags.text

	var (
		audioData []byte
		err       error
	)

	if flags.clone != "" {
		audioData, err = apiClient.Clone(ctx, flags.clone, req)
	} else {
		audioData, err = apiClient.Synthesize(ctx, req)
	}

	if err != nil {
		clientLog.Error("Failed to process text: %v", err)

		return fmt.Errorf(errFmtProcessText, err)
	}

	err = client.WriteOutput(outputPath, audioData)
	if err != nil {
		return fmt.Errorf(errFmtProcessText, err)
	}

	_, err = fmt.Fprintf(stdout, logFmtGenerated, outputPath)

	return err
}

// processChunks converts a file of text chunks into numbered audio files.
func processChunks(
	ctx context.Context,
	apiClient *client.Client,
	clientLog *logger.Logger,
	flags appFlags,
	template client.SynthesisRequest,
	stdout io.Writer,
) error {
	outputDir := flags.output
	if outputDir == "" {
		outputDir = defaultOutputDir
	}

	clientLog.Info(logFmtProcessingChunks, flags.chunks, outputDir)

	batch := client.NewBatch(apiClient, clientLog, flags.workers, template)

	err := batch.ProcessChunks(ctx, flags.chunks, outputDir)
	if err != nil {
		clientLog.Error("Failed to process chunks: %v", err)

		return fmt.Errorf(errFmtProcessChunks, err)
	}

	_, err = fmt.Fprintf(stdout, logFmtGeneratedDir, outputDir)

	return err
}
