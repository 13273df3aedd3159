package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/haasonsaas/switchboard/internal/tools"
)

const (
	// projectFileMaxChars caps each injected workspace markdown file.
	// Oversized files keep 70% head and 20% tail.
	projectFileMaxChars = 20000

	// HeartbeatToken is the reply a model sends when a heartbeat poll finds
	// nothing to do. The channel service strips it from outbound text.
	HeartbeatToken = "HEARTBEAT_OK"
)

const heartbeatSection = "If you receive a heartbeat poll and there is nothing that needs attention, reply with exactly " +
	HeartbeatToken + " and nothing else. Otherwise respond normally and do not include the token."

// PromptConfig collects the inputs of the system prompt. Sections whose
// input is absent are skipped.
type PromptConfig struct {
	Identity        string
	Tools           []tools.Descriptor
	WorkspaceDir    string
	CodebaseContext string
	MemoryRecall    []string
	ProjectFiles    []string
	Channel         string
	Now             time.Time
	Timezone        *time.Location
	Repo            string
	Model           string
	Thinking        bool
	Extra           string
}

// BuildSystemPrompt assembles the first-run system prompt: a fixed section
// order, blank lines between sections, absent sections skipped.
func BuildSystemPrompt(cfg PromptConfig) string {
	var sections []string
	add := func(s string) {
		if strings.TrimSpace(s) != "" {
			sections = append(sections, strings.TrimRight(s, "\n"))
		}
	}

	add(cfg.Identity)
	add(toolingSection(cfg.Tools))
	if cfg.WorkspaceDir != "" {
		add("## Workspace\nYour working directory is " + cfg.WorkspaceDir + ".")
	}
	if cfg.CodebaseContext != "" {
		add("## Codebase context\n" + cfg.CodebaseContext)
	}
	add(memorySection(cfg.MemoryRecall))
	add("## Heartbeat protocol\n" + heartbeatSection)
	add(projectSection(cfg.ProjectFiles))
	if cfg.Channel != "" {
		add("## Channel\nYou are replying on the " + cfg.Channel + " channel. Keep formatting appropriate for it.")
	}
	add(dateTimeSection(cfg.Now, cfg.Timezone))
	add(runtimeSection(cfg.Repo, cfg.Model, cfg.Thinking))
	add(cfg.Extra)

	return strings.Join(sections, "\n\n")
}

func toolingSection(descriptors []tools.Descriptor) string {
	if len(descriptors) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Tooling\nAvailable tools:\n")
	for _, d := range descriptors {
		sb.WriteString("- " + d.Name)
		if d.Description != "" {
			sb.WriteString(": " + d.Description)
		}
		sb.WriteString("\n")
	}
	return sb.String()
}

func memorySection(recall []string) string {
	if len(recall) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Memory recall\nPossibly relevant notes from memory:\n")
	for _, entry := range recall {
		sb.WriteString("- " + entry + "\n")
	}
	return sb.String()
}

// projectSection injects each workspace markdown file, head-tail truncated.
func projectSection(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Project context\n")
	for _, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		sb.WriteString("### " + filepath.Base(path) + "\n")
		sb.WriteString(headTail(string(data), projectFileMaxChars))
		sb.WriteString("\n")
	}
	return sb.String()
}

func dateTimeSection(now time.Time, tz *time.Location) string {
	if now.IsZero() {
		return ""
	}
	if tz != nil {
		now = now.In(tz)
	}
	return "## Current date/time\n" + now.Format("Monday, 2 January 2006, 15:04 MST")
}

func runtimeSection(repo, model string, thinking bool) string {
	var lines []string
	if repo != "" {
		lines = append(lines, "Repository: "+repo)
	}
	if model != "" {
		lines = append(lines, "Model: "+model)
	}
	if thinking {
		lines = append(lines, "Extended thinking: enabled")
	}
	if len(lines) == 0 {
		return ""
	}
	return "## Runtime\n" + strings.Join(lines, "\n")
}

// headTail truncates s to roughly max chars, keeping 70% from the head and
// 20% from the tail.
func headTail(s string, max int) string {
	if len(s) <= max {
		return s
	}
	head := max * 7 / 10
	tail := max * 2 / 10
	return s[:head] + fmt.Sprintf("\n\n[... %d chars truncated ...]\n\n", len(s)-head-tail) + s[len(s)-tail:]
}

// WorkspaceMarkdownFiles lists the top-level markdown files of a workspace
// directory, sorted by name.
func WorkspaceMarkdownFiles(dir string) []string {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}
	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(strings.ToLower(entry.Name()), ".md") {
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths
}
