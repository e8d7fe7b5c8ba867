package scenario

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

type artifactTemplate struct {
	filename string
	body     string
}

// Stand-in deliverables. Content is fixed so two runs of the same script
// produce identical files; only the project id and step number vary.
var artifactTemplates = map[string]artifactTemplate{
	"technical_design": {
		filename: "technical_design.md",
		body: `# Technical Design: %s

Produced by scenario step %d.

## Approach

Outline of the proposed method, baselines and evaluation protocol.
`,
	},
	"implementation_plan": {
		filename: "implementation_plan.md",
		body: `# Implementation Plan: %s

Produced by scenario step %d.

## Milestones

1. Data pipeline
2. Training loop
3. Evaluation harness
`,
	},
	"paper_draft": {
		filename: "paper_draft.md",
		body: `# Draft: %s

Produced by scenario step %d.

Abstract, method and preliminary results.
`,
	},
	"code": {
		filename: "experiment.py",
		body: `# Experiment code for %s (scenario step %d).

def main():
    print("running experiment")

if __name__ == "__main__":
    main()
`,
	},
	"paper_pdf": {
		filename: "paper.pdf",
		body:     "%%PDF-1.4 stand-in for %s, scenario step %d\n",
	},
}

// materializeArtifact writes the stand-in file for the named artifact under
// dir and returns its path. Unknown artifact names get a generic text file
// so scripts can gate on artifacts the default stage table does not know.
func materializeArtifact(dir, projectID, name string, step int) (string, error) {
	tpl, ok := artifactTemplates[name]
	if !ok {
		tpl = artifactTemplate{
			filename: strings.ReplaceAll(name, " ", "_") + ".txt",
			body:     fmt.Sprintf("Artifact %s for %%s, scenario step %%d.\n", name),
		}
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	path := filepath.Join(dir, tpl.filename)
	content := fmt.Sprintf(tpl.body, projectID, step)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("write artifact %s: %w", name, err)
	}
	return path, nil
}
