package dispatch

import (
	"fmt"
	"sort"
	"strings"

	"github.com/forgeops/foreman/pkg/types"
)

// BuildLayeredPrompt concatenates, in order: enabled repository-collection
// instruction files (priority-ordered), embedded repository instruction
// files (order-field), task instruction files (order-field), then the
// task's base prompt. Each section carries a labeled header.
func BuildLayeredPrompt(repo *types.Repository, task *types.Task) string {
	var b strings.Builder

	collections := make([]*types.InstructionCollection, 0, len(repo.Collections))
	for _, collection := range repo.Collections {
		if collection.Enabled {
			collections = append(collections, collection)
		}
	}
	sort.SliceStable(collections, func(i, j int) bool {
		return collections[i].Priority > collections[j].Priority
	})
	for _, collection := range collections {
		for _, file := range sortedFiles(collection.Files) {
			writeSection(&b, fmt.Sprintf("Instructions — collection %s: %s", collection.Name, file.Name), file.Content)
		}
	}

	for _, file := range sortedFiles(repo.InstructionFiles) {
		writeSection(&b, fmt.Sprintf("Instructions — repository: %s", file.Name), file.Content)
	}

	for _, file := range sortedFiles(task.InstructionFiles) {
		writeSection(&b, fmt.Sprintf("Instructions — task: %s", file.Name), file.Content)
	}

	writeSection(&b, "Task", task.Prompt)
	return strings.TrimRight(b.String(), "\n")
}

// sortedFiles returns enabled files ordered by their order field, name
// as tiebreak. The input is not mutated.
func sortedFiles(files []*types.InstructionFile) []*types.InstructionFile {
	out := make([]*types.InstructionFile, 0, len(files))
	for _, file := range files {
		if file.Enabled {
			out = append(out, file)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Order == out[j].Order {
			return out[i].Name < out[j].Name
		}
		return out[i].Order < out[j].Order
	})
	return out
}

func writeSection(b *strings.Builder, label, content string) {
	if strings.TrimSpace(content) == "" {
		return
	}
	fmt.Fprintf(b, "## %s\n\n%s\n\n", label, strings.TrimRight(content, "\n"))
}
