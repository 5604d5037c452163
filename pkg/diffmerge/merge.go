package diffmerge

import (
	"fmt"
	"sort"
	"strings"

	"github.com/forgeops/foreman/pkg/log"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/go-diff/diff"
)

// LaneDiff is a single agent's unified diff in a parallel-agents
// workflow
type LaneDiff struct {
	LaneLabel string
	Harness   string
	RunID     string
	Succeeded bool
	Summary   string
	DiffStat  string
	DiffPatch string
}

// Conflict is one reason a file could not be merged
type Conflict struct {
	FilePath    string
	Reason      string
	Lanes       []string
	HunkHeaders []string
}

// Outcome is the result of merging lane diffs
type Outcome struct {
	MergedPatch string
	MergedFiles int
	Additions   int
	Deletions   int
	DiffStat    string
	Conflicts   []Conflict
}

// Conflict reasons
const (
	ReasonMetadataOnly = "unable to merge metadata-only patch"
	ReasonPathMetadata = "incompatible path metadata"
	ReasonOverlap      = "overlapping hunks"
	ReasonCompose      = "failed to compose merged patch"
)

// laneFile is one lane's contribution to one path
type laneFile struct {
	lane  string
	file  *diff.FileDiff
	hunks []*diff.Hunk
}

// Service merges per-lane unified diffs into a single patch with
// conflict detection. The result is independent of lane order.
type Service struct {
	logger zerolog.Logger
}

// NewService creates a diff-merge service
func NewService() *Service {
	return &Service{logger: log.WithComponent("diffmerge")}
}

// Merge combines the lanes. Failed lanes and lanes without a patch are
// ignored; the remaining files are grouped by case-folded path,
// singletons pass through, and multi-lane files merge when their hunk
// ranges are disjoint and their path metadata agree.
func (s *Service) Merge(lanes []*LaneDiff) *Outcome {
	groups := make(map[string][]*laneFile)
	displayPath := make(map[string]string)

	for _, lane := range lanes {
		if !lane.Succeeded || strings.TrimSpace(lane.DiffPatch) == "" {
			continue
		}
		files, err := diff.ParseMultiFileDiff([]byte(lane.DiffPatch))
		if err != nil {
			s.logger.Warn().Err(err).Str("lane", lane.LaneLabel).Msg("Unparseable lane patch, skipping lane")
			continue
		}
		for _, file := range files {
			path := filePath(file)
			key := strings.ToLower(path)
			// The smallest spelling wins so the result is independent of lane order
			if cur, ok := displayPath[key]; !ok || path < cur {
				displayPath[key] = path
			}
			groups[key] = append(groups[key], &laneFile{
				lane:  lane.LaneLabel,
				file:  file,
				hunks: file.Hunks,
			})
		}
	}

	keys := make([]string, 0, len(groups))
	for key := range groups {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	outcome := &Outcome{}
	var patches []string

	for _, key := range keys {
		group := groups[key]
		// Deterministic order regardless of input lane order
		sort.SliceStable(group, func(i, j int) bool { return group[i].lane < group[j].lane })

		path := displayPath[key]
		filePatch, additions, deletions, conflict := s.mergeFile(path, group)
		if conflict != nil {
			outcome.Conflicts = append(outcome.Conflicts, *conflict)
			continue
		}
		patches = append(patches, filePatch)
		outcome.MergedFiles++
		outcome.Additions += additions
		outcome.Deletions += deletions
	}

	outcome.MergedPatch = strings.Join(patches, "")
	outcome.DiffStat = DiffStat(outcome.MergedFiles, outcome.Additions, outcome.Deletions)
	sort.Slice(outcome.Conflicts, func(i, j int) bool {
		if outcome.Conflicts[i].FilePath == outcome.Conflicts[j].FilePath {
			return outcome.Conflicts[i].Reason < outcome.Conflicts[j].Reason
		}
		return outcome.Conflicts[i].FilePath < outcome.Conflicts[j].FilePath
	})
	return outcome
}

// mergeFile merges all lanes touching one path, or reports why it
// cannot
func (s *Service) mergeFile(path string, group []*laneFile) (string, int, int, *Conflict) {
	lanes := make([]string, 0, len(group))
	for _, lf := range group {
		lanes = append(lanes, lf.lane)
	}

	if len(group) == 1 {
		lf := group[0]
		additions, deletions := countChanges(lf.hunks)
		return printFile(path, lf.file.OrigName, lf.file.NewName, lf.hunks), additions, deletions, nil
	}

	// Metadata-only patches (no hunks) cannot be range-merged
	for _, lf := range group {
		if len(lf.hunks) == 0 {
			return "", 0, 0, &Conflict{FilePath: path, Reason: ReasonMetadataOnly, Lanes: lanes}
		}
	}

	// All lanes must agree on old/new path metadata
	origName, newName := group[0].file.OrigName, group[0].file.NewName
	for _, lf := range group[1:] {
		if lf.file.OrigName != origName || lf.file.NewName != newName {
			return "", 0, 0, &Conflict{FilePath: path, Reason: ReasonPathMetadata, Lanes: lanes}
		}
	}

	// Pairwise inclusive range overlap on [newStart, newStart+newCount-1]
	type spannedHunk struct {
		lane string
		hunk *diff.Hunk
	}
	var all []spannedHunk
	for _, lf := range group {
		for _, h := range lf.hunks {
			all = append(all, spannedHunk{lane: lf.lane, hunk: h})
		}
	}
	for i := 0; i < len(all); i++ {
		for j := i + 1; j < len(all); j++ {
			if all[i].lane == all[j].lane {
				continue
			}
			a, b := all[i].hunk, all[j].hunk
			if rangesOverlap(a.NewStartLine, a.NewLines, b.NewStartLine, b.NewLines) {
				headers := []string{hunkHeader(a), hunkHeader(b)}
				sort.Strings(headers)
				return "", 0, 0, &Conflict{
					FilePath:    path,
					Reason:      ReasonOverlap,
					Lanes:       lanes,
					HunkHeaders: headers,
				}
			}
		}
	}

	// Compose: every hunk's block, ordered by newStart then header
	merged := make([]*diff.Hunk, 0, len(all))
	for _, sh := range all {
		merged = append(merged, sh.hunk)
	}
	sort.SliceStable(merged, func(i, j int) bool {
		if merged[i].NewStartLine == merged[j].NewStartLine {
			return hunkHeader(merged[i]) < hunkHeader(merged[j])
		}
		return merged[i].NewStartLine < merged[j].NewStartLine
	})

	blocks := make([]string, 0, len(merged))
	for _, h := range merged {
		block := printHunk(h)
		if block == "" {
			continue
		}
		blocks = append(blocks, block)
	}
	if len(blocks) != len(merged) {
		return "", 0, 0, &Conflict{FilePath: path, Reason: ReasonCompose, Lanes: lanes}
	}

	additions, deletions := countChanges(merged)
	var b strings.Builder
	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", path, path)
	fmt.Fprintf(&b, "--- %s\n", wireName(origName, "a"))
	fmt.Fprintf(&b, "+++ %s\n", wireName(newName, "b"))
	for _, block := range blocks {
		b.WriteString(block)
	}
	return b.String(), additions, deletions, nil
}

// rangesOverlap checks inclusive intersection of two new-file line
// ranges. Zero-count hunks occupy their start line.
func rangesOverlap(aStart, aCount, bStart, bCount int32) bool {
	aEnd := aStart + maxInt32(aCount, 1) - 1
	bEnd := bStart + maxInt32(bCount, 1) - 1
	return aStart <= bEnd && bStart <= aEnd
}

func maxInt32(a, b int32) int32 {
	if a > b {
		return a
	}
	return b
}

// filePath derives the display path, preferring the new name
func filePath(file *diff.FileDiff) string {
	name := file.NewName
	if name == "" || name == "/dev/null" {
		name = file.OrigName
	}
	return strings.TrimPrefix(strings.TrimPrefix(name, "a/"), "b/")
}

func hunkHeader(h *diff.Hunk) string {
	header := fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OrigStartLine, h.OrigLines, h.NewStartLine, h.NewLines)
	if h.Section != "" {
		header += " " + h.Section
	}
	return header
}

// printHunk renders one hunk block: header line plus body
func printHunk(h *diff.Hunk) string {
	body := string(h.Body)
	if body == "" {
		return ""
	}
	if !strings.HasSuffix(body, "\n") {
		body += "\n"
	}
	return hunkHeader(h) + "\n" + body
}

// wireName renders a --- / +++ name with its git prefix, preserving
// /dev/null for creations and deletions
func wireName(name, prefix string) string {
	if name == "" || name == "/dev/null" {
		return "/dev/null"
	}
	return prefix + "/" + strings.TrimPrefix(strings.TrimPrefix(name, "a/"), "b/")
}

// printFile renders one file's patch in git convention
func printFile(path, origName, newName string, hunks []*diff.Hunk) string {
	var b strings.Builder
	fmt.Fprintf(&b, "diff --git a/%s b/%s\n", path, path)
	fmt.Fprintf(&b, "--- %s\n", wireName(origName, "a"))
	fmt.Fprintf(&b, "+++ %s\n", wireName(newName, "b"))
	for _, h := range hunks {
		b.WriteString(printHunk(h))
	}
	return b.String()
}

// countChanges tallies additions and deletions across hunk bodies
func countChanges(hunks []*diff.Hunk) (int, int) {
	additions, deletions := 0, 0
	for _, h := range hunks {
		for _, line := range strings.Split(string(h.Body), "\n") {
			switch {
			case strings.HasPrefix(line, "+"):
				additions++
			case strings.HasPrefix(line, "-"):
				deletions++
			}
		}
	}
	return additions, deletions
}

// DiffStat renders the git diffstat convention, omitting zero
// components
func DiffStat(files, additions, deletions int) string {
	if files == 0 {
		return ""
	}
	parts := []string{fmt.Sprintf("%d file%s changed", files, plural(files))}
	if additions > 0 {
		parts = append(parts, fmt.Sprintf("%d insertion%s(+)", additions, plural(additions)))
	}
	if deletions > 0 {
		parts = append(parts, fmt.Sprintf("%d deletion%s(-)", deletions, plural(deletions)))
	}
	return strings.Join(parts, ", ")
}

func plural(n int) string {
	if n == 1 {
		return ""
	}
	return "s"
}
