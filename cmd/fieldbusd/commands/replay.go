package commands

import (
	"bufio"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/dderyldowney/afs-fieldbus/config"
	"github.com/dderyldowney/afs-fieldbus/j1939"
)

var replayPGNsPath string

var replayCmd = &cobra.Command{
	Use:   "replay <log-file>",
	Short: "Decode a captured CAN frame log offline and print the results",
	Long: `replay reads a frame log (one frame per line: "<unix-nanos>
<hex-arbitration-id> <hex-payload>") and decodes each frame through the
built-in PGN/SPN table — plus any agricultural PGN file passed via
--agricultural-pgns — printing one JSON object per successfully decoded
message. Malformed or undecodable lines are skipped with a warning on
stderr; replay never exits non-zero for a single bad line.`,
	Args: cobra.ExactArgs(1),
	RunE: runReplay,
}

func init() {
	replayCmd.Flags().StringVar(&replayPGNsPath, "agricultural-pgns", "", "path to a YAML file of additional PGN/SPN definitions")
}

func runReplay(cmd *cobra.Command, args []string) error {
	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	defer f.Close()

	watcher, err := config.NewPGNWatcher(replayPGNsPath, j1939.DefaultSpecs(), nil)
	if err != nil {
		return fmt.Errorf("load pgn table: %w", err)
	}
	table := watcher.Table()

	scanner := bufio.NewScanner(f)
	enc := json.NewEncoder(cmd.OutOrStdout())
	lineNo := 0
	frameLines := 0
	decodedCount := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		frameLines++
		msg, err := decodeLogLine(table, line)
		if err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "line %d: %v\n", lineNo, err)
			continue
		}
		if err := enc.Encode(msg); err != nil {
			return fmt.Errorf("write output: %w", err)
		}
		decodedCount++
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read log file: %w", err)
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "decoded %d of %d lines\n", decodedCount, frameLines)
	return nil
}

// decodeLogLine parses one "<unix-nanos> <hex-arbitration-id> <hex-payload>"
// line and decodes it against table.
func decodeLogLine(table *j1939.Table, line string) (j1939.DecodedMessage, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return j1939.DecodedMessage{}, fmt.Errorf("expected 3 fields, got %d", len(fields))
	}
	nanos, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return j1939.DecodedMessage{}, fmt.Errorf("parse timestamp: %w", err)
	}
	arbID, err := strconv.ParseUint(fields[1], 16, 32)
	if err != nil {
		return j1939.DecodedMessage{}, fmt.Errorf("parse arbitration id: %w", err)
	}
	payload, err := hex.DecodeString(fields[2])
	if err != nil {
		return j1939.DecodedMessage{}, fmt.Errorf("parse payload: %w", err)
	}
	return j1939.Decode(table, uint32(arbID), payload, time.Unix(0, nanos))
}
