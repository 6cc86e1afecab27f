package commands

import (
	"fmt"
	"net/http"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/crashworks/collector/pkg/breakpad/minipost"
	"github.com/crashworks/collector/pkg/crash"
)

var (
	sendCrashURL         string
	sendCrashAnnotations []string
	sendCrashDump        string
	sendCrashGzip        bool
	sendCrashJSONExtra   bool
)

var sendCrashCmd = &cobra.Command{
	Use:   "send-crash",
	Short: "Submit a synthetic crash report",
	Long: `Build and POST a Breakpad crash submission, then print the assigned
crash identifier. Useful for smoke-testing a running collector.

Examples:
  # Minimal accepted crash against a local collector
  collector send-crash --annotation ProductName=Firefox

  # With a minidump file, gzip-compressed
  collector send-crash --annotation ProductName=Firefox \
    --dump ./crash.dmp --gzip

  # The JSON "extra" payload shape
  collector send-crash --annotation ProductName=Firefox --json-extra`,
	RunE: runSendCrash,
}

func init() {
	sendCrashCmd.Flags().StringVar(&sendCrashURL, "url", "http://localhost:8000/submit", "Submission endpoint")
	sendCrashCmd.Flags().StringArrayVar(&sendCrashAnnotations, "annotation", nil, "Annotation as name=value (repeatable)")
	sendCrashCmd.Flags().StringVar(&sendCrashDump, "dump", "", "Path to a minidump file")
	sendCrashCmd.Flags().BoolVar(&sendCrashGzip, "gzip", false, "Compress the submission body")
	sendCrashCmd.Flags().BoolVar(&sendCrashJSONExtra, "json-extra", false, "Send annotations as one JSON extra field")
}

func runSendCrash(cmd *cobra.Command, args []string) error {
	annotations := map[string]string{}
	for _, pair := range sendCrashAnnotations {
		name, value, found := strings.Cut(pair, "=")
		if !found || name == "" {
			return fmt.Errorf("malformed annotation %q, want name=value", pair)
		}
		annotations[name] = value
	}

	payload := minipost.Payload{
		Annotations: annotations,
		Gzip:        sendCrashGzip,
		JSONExtra:   sendCrashJSONExtra,
	}

	if sendCrashDump != "" {
		body, err := os.ReadFile(sendCrashDump)
		if err != nil {
			return fmt.Errorf("reading dump: %w", err)
		}
		payload.Dumps = map[string]minipost.Dump{
			crash.DefaultDumpField: {Filename: sendCrashDump, Body: body},
		}
	}

	req, err := payload.NewRequest(sendCrashURL)
	if err != nil {
		return err
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("submitting crash: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("collector answered %s (reason %q)",
			resp.Status, resp.Header.Get("X-Collector-Reason"))
	}

	crashID, err := minipost.ParseCrashID(resp.Body)
	if err != nil {
		return err
	}

	fmt.Printf("CrashID=bp-%s\n", crashID)
	return nil
}
