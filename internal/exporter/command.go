package exporter

import (
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"chatbackup/internal/backup"
)

// DefaultExecutable is where the exporter CLI lives inside the container image.
const DefaultExecutable = "/opt/app/DiscordChatExporter.Cli"

// BuildArgs returns the exporter arguments for one chunk. The date range
// is [first instant of the month, first instant of the next month).
func BuildArgs(target backup.Target, chunk backup.Chunk, outputDir string, extra []string) []string {
	var args []string
	switch target.Kind {
	case backup.KindDM:
		args = append(args, "exportdm")
	default:
		args = append(args, "exportguild", "--guild", target.ID, "--include-threads", "All")
	}

	args = append(args,
		"--format", "Json",
		"--media",
		"--reuse-media",
		"--markdown", "false",
		"--token", target.Credential,
		"--media-dir", dirArg(filepath.Join(outputDir, backup.ChunkMediaDir)),
		"--output", dirArg(outputDir),
		"--after", chunk.Month.Start().Format(time.RFC3339),
		"--before", chunk.Month.End().Format(time.RFC3339),
	)

	return append(args, extra...)
}

// dirArg marks a path as a directory for the exporter.
func dirArg(p string) string {
	return strings.TrimSuffix(p, string(filepath.Separator)) + string(filepath.Separator)
}

// Redact returns a printable command line with the token value masked.
func Redact(executable string, args []string) string {
	parts := make([]string, 0, len(args)+1)
	parts = append(parts, quote(executable))

	for i := 0; i < len(args); i++ {
		parts = append(parts, quote(args[i]))
		if args[i] == "--token" && i+1 < len(args) {
			i++
			parts = append(parts, quote(redactToken(args[i])))
		}
	}
	return strings.Join(parts, " ")
}

func redactToken(token string) string {
	const keep = 5
	if len(token) <= keep {
		return "***"
	}
	return token[:keep] + "***"
}

func quote(s string) string {
	if s == "" || strings.ContainsAny(s, " \t\"'") {
		return strconv.Quote(s)
	}
	return s
}

var (
	authPattern = regexp.MustCompile(`(?i)\b401\b|unauthori[sz]ed|token is invalid|invalid token|authentication (failed|token)`)
	ratePattern = regexp.MustCompile(`(?i)\b429\b|rate[- ]?limit|too many requests`)
)

// Classify maps one exporter run onto an outcome. Success requires a
// clean exit and, when requireOutput is set, at least one data file written
// by this run.
func Classify(exitCode int, output string, timedOut, wroteData, requireOutput bool) backup.Outcome {
	if timedOut {
		return backup.OutcomeTransient
	}
	if exitCode == 0 && (wroteData || !requireOutput) {
		return backup.OutcomeSuccess
	}
	if authPattern.MatchString(output) {
		return backup.OutcomeAuth
	}
	if ratePattern.MatchString(output) {
		return backup.OutcomeRateLimit
	}
	return backup.OutcomeTransient
}
