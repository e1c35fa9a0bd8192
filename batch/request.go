// Package batch runs one source image through several independent
// transform and upload tasks.
package batch

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Skryldev/imaged/adapters/storage"
	"github.com/Skryldev/imaged/core"
	apperrors "github.com/Skryldev/imaged/errors"
	"github.com/Skryldev/imaged/validate"
)

// Source names a remote source image.
type Source struct {
	URL string `json:"url"`
}

// Output is the upload target of one task.
type Output struct {
	Bucket      string `json:"bucket"`
	Key         string `json:"key"`
	ACL         string `json:"acl,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

// Task is one validated unit of batch work.
type Task struct {
	ID        string
	Transform core.TransformOptions
	Output    Output
	Metadata  *core.MetadataOptions
}

// Request is a validated batch configuration.
type Request struct {
	Source   *Source
	Metadata *core.MetadataOptions
	Tasks    []Task
}

// allowedContentTypes are the overrides a task may set on its upload.
var allowedContentTypes = func() map[string]bool {
	m := make(map[string]bool, len(core.OutputFormats))
	for _, f := range core.OutputFormats {
		m[f.MimeType()] = true
	}
	return m
}()

// Parse decodes and validates a batch configuration. Every task is checked
// structurally before any transform option is parsed; option parsing is
// fail-fast with a task[i] path prefix. A dimensionLimit of 0 uses the
// default limit.
func Parse(raw []byte, maxTasks, dimensionLimit int) (*Request, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, invalid("invalid pipeline config: %v", err)
	}
	root, ok := doc.(map[string]any)
	if !ok {
		return nil, invalid("pipeline config must be a JSON object")
	}

	rawTasks, err := structural(root, maxTasks)
	if err != nil {
		return nil, err
	}

	req := &Request{Tasks: make([]Task, len(rawTasks))}
	if src, ok := root["source"]; ok && src != nil {
		obj, ok := src.(map[string]any)
		if !ok {
			return nil, invalid("source: must be an object")
		}
		u, _ := obj["url"].(string)
		if u == "" {
			return nil, invalid("source.url: must be a non-empty string")
		}
		req.Source = &Source{URL: u}
	}
	if m, ok := root["metadata"]; ok && m != nil {
		obj, ok := m.(map[string]any)
		if !ok {
			return nil, invalid("metadata: must be an object")
		}
		opts, err := validate.ParseMetadataOptions(validate.MapParams(obj), taskContext("metadata.", 0))
		if err != nil {
			return nil, err
		}
		req.Metadata = &opts
	}

	for i, t := range rawTasks {
		task, err := parseTask(i, t, dimensionLimit)
		if err != nil {
			return nil, err
		}
		req.Tasks[i] = task
	}
	return req, nil
}

// structural checks the shape of the task list before any value is parsed.
func structural(root map[string]any, maxTasks int) ([]map[string]any, error) {
	list, ok := root["tasks"].([]any)
	if !ok || len(list) == 0 {
		return nil, invalid("tasks: must be a non-empty array")
	}
	if maxTasks > 0 && len(list) > maxTasks {
		return nil, invalid("tasks: too many tasks (%d, max %d)", len(list), maxTasks)
	}

	seen := make(map[string]int, len(list))
	tasks := make([]map[string]any, len(list))
	for i, item := range list {
		t, ok := item.(map[string]any)
		if !ok {
			return nil, invalid("task[%d]: must be an object", i)
		}
		id, _ := t["id"].(string)
		if strings.TrimSpace(id) == "" {
			return nil, invalid("task[%d].id: must be a non-empty string", i)
		}
		if first, dup := seen[id]; dup {
			return nil, invalid("task[%d].id: duplicate id %q (first used by task[%d])", i, id, first)
		}
		seen[id] = i

		tr, ok := t["transform"].(map[string]any)
		if !ok {
			return nil, invalid("task[%d].transform: must be an object", i)
		}
		if tr[validate.ParamFormat] == nil {
			return nil, invalid("task[%d].transform.format: is required", i)
		}

		out, ok := t["output"].(map[string]any)
		if !ok {
			return nil, invalid("task[%d].output: must be an object", i)
		}
		for _, field := range []string{"bucket", "key"} {
			if s, _ := out[field].(string); s == "" {
				return nil, invalid("task[%d].output.%s: must be a non-empty string", i, field)
			}
		}

		if m, ok := t["metadata"]; ok && m != nil {
			if _, ok := m.(map[string]any); !ok {
				return nil, invalid("task[%d].metadata: must be an object", i)
			}
		}
		tasks[i] = t
	}
	return tasks, nil
}

func parseTask(i int, t map[string]any, dimensionLimit int) (Task, error) {
	prefix := fmt.Sprintf("task[%d].", i)
	task := Task{ID: t["id"].(string)}

	opts, err := validate.ParseTransform(validate.MapParams(t["transform"].(map[string]any)), "",
		taskContext(prefix+"transform.", dimensionLimit), core.FormatUnknown)
	if err != nil {
		return task, err
	}
	task.Transform = opts

	out := t["output"].(map[string]any)
	task.Output.Bucket = out["bucket"].(string)
	task.Output.Key = out["key"].(string)
	if v, ok := out["acl"]; ok {
		acl, isString := v.(string)
		if !isString {
			return task, &validate.FieldError{Path: prefix + "output.acl", Reason: "must be a string"}
		}
		if err := storage.ValidateACL(acl); err != nil {
			return task, &validate.FieldError{Path: prefix + "output.acl", Reason: apperrors.PublicMessage(err)}
		}
		task.Output.ACL = acl
	}
	if v, ok := out["contentType"]; ok {
		ct, isString := v.(string)
		if !isString || !allowedContentTypes[strings.ToLower(ct)] {
			return task, &validate.FieldError{Path: prefix + "output.contentType",
				Reason: fmt.Sprintf("unsupported content type %v", v)}
		}
		task.Output.ContentType = strings.ToLower(ct)
	}

	if m, ok := t["metadata"].(map[string]any); ok {
		mo, err := validate.ParseMetadataOptions(validate.MapParams(m), taskContext(prefix+"metadata.", 0))
		if err != nil {
			return task, err
		}
		task.Metadata = &mo
	}
	return task, nil
}

func taskContext(prefix string, dimensionLimit int) *validate.ParseContext {
	pc := validate.NewTaskContext(prefix)
	if dimensionLimit > 0 {
		pc.DimensionLimit = dimensionLimit
	}
	return pc
}

func invalid(format string, args ...any) error {
	return apperrors.Validation("pipeline", format, args...)
}
