package tools

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/pasky/muaddib/internal/artifacts"
	"github.com/pasky/muaddib/internal/providers"
	"github.com/pasky/muaddib/internal/sandbox"
)

// ExecuteCodeTool runs Python or Bash snippets in the arc's sandbox.
type ExecuteCodeTool struct {
	manager *sandbox.Manager
	store   *artifacts.Store // may be nil
	arc     string
	timeout time.Duration
}

// NewExecuteCodeTool creates the execute_code tool bound to one arc.
func NewExecuteCodeTool(manager *sandbox.Manager, store *artifacts.Store, arc string) *ExecuteCodeTool {
	return &ExecuteCodeTool{
		manager: manager,
		store:   store,
		arc:     arc,
		timeout: 60 * time.Second,
	}
}

func (t *ExecuteCodeTool) Name() string  { return "execute_code" }
func (t *ExecuteCodeTool) Label() string { return "Execute Code" }
func (t *ExecuteCodeTool) Description() string {
	return "Run a Python or Bash snippet in an isolated working directory. " +
		"Files written by the code can be shared via output_files; input_artifacts are placed in the working directory first."
}
func (t *ExecuteCodeTool) PersistType() PersistType { return PersistArtifact }

func (t *ExecuteCodeTool) Schema() map[string]interface{} {
	return map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"code": map[string]interface{}{
				"type":        "string",
				"description": "The code to run.",
			},
			"language": map[string]interface{}{
				"type": "string",
				"enum": []interface{}{"python", "bash"},
			},
			"input_artifacts": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "Artifact URLs to place into the working directory before running.",
			},
			"output_files": map[string]interface{}{
				"type":        "array",
				"items":       map[string]interface{}{"type": "string"},
				"description": "File names the code writes that should be published as artifacts.",
			},
		},
		"required":             []interface{}{"code", "language"},
		"additionalProperties": false,
	}
}

var imageExts = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".webp": "image/webp",
}

func (t *ExecuteCodeTool) Execute(ctx context.Context, callID string, args map[string]interface{}) (*Result, error) {
	code, _ := args["code"].(string)
	language, _ := args["language"].(string)

	inputFiles := map[string][]byte{}
	for _, v := range stringList(args["input_artifacts"]) {
		if t.store == nil {
			return ErrorResult("Artifact storage is not configured"), nil
		}
		name, ok := t.store.ResolveURL(v)
		if !ok {
			name = v
		}
		data, err := t.store.Read(name)
		if err != nil {
			return ErrorResult(fmt.Sprintf("Cannot read input artifact %s: %v", v, err)), nil
		}
		inputFiles[filepath.Base(name)] = data
	}

	res, err := t.manager.Exec(ctx, sandbox.ExecRequest{
		Arc:        t.arc,
		Language:   language,
		Code:       code,
		Timeout:    t.timeout,
		InputFiles: inputFiles,
	})
	if err != nil {
		return nil, err
	}

	var b strings.Builder
	if res.TimedOut {
		b.WriteString("Execution timed out.\n")
	} else if res.ExitCode != 0 {
		fmt.Fprintf(&b, "Exited with code %d.\n", res.ExitCode)
	}
	if res.Output != "" {
		b.WriteString(res.Output)
	} else if !res.TimedOut && res.ExitCode == 0 {
		b.WriteString("(no output)")
	}

	result := &Result{Content: b.String(), IsError: res.TimedOut || res.ExitCode != 0}

	wanted := stringList(args["output_files"])
	for _, name := range res.OutputFiles {
		explicit := slices.Contains(wanted, name)
		mime, isImage := imageExts[strings.ToLower(filepath.Ext(name))]
		if !explicit && !isImage {
			continue
		}
		data, err := os.ReadFile(filepath.Join(res.WorkDir, name))
		if err != nil {
			result.Content += fmt.Sprintf("\n[could not read %s: %v]", name, err)
			continue
		}
		if t.store != nil {
			url, err := t.store.Save(data, filepath.Ext(name))
			if err != nil {
				result.Content += fmt.Sprintf("\n[could not publish %s: %v]", name, err)
				continue
			}
			result.Content += fmt.Sprintf("\nOutput file %s: %s", name, url)
		}
		if isImage {
			result.Images = append(result.Images, providers.ImageContent{
				MimeType: mime,
				Data:     base64.StdEncoding.EncodeToString(data),
			})
		}
	}

	return result, nil
}

func stringList(v interface{}) []string {
	items, ok := v.([]interface{})
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
