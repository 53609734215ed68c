package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Default labels of open actions that do not name one.
const (
	LabelOpen       = "Open"
	LabelOpenURL    = "Open URL"
	LabelRunCommand = "Run command"
)

// OpenAction is a shortcut attached to a service: a URL to hand to the
// desktop or a command to start detached.
type OpenAction struct {
	Label   string  `yaml:"label,omitempty" json:"label"`
	URL     string  `yaml:"url,omitempty" json:"url,omitempty"`
	Command Command `yaml:"command,omitempty" json:"command,omitempty"`
}

// Command is a program and its arguments. In YAML it is either a list or a
// single string; a single string with spaces is run by the shell.
type Command []string

func (c Command) MarshalYAML() (any, error) {
	if len(c) == 1 {
		return c[0], nil
	}
	return []string(c), nil
}

func (c *Command) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		var s string
		if err := node.Decode(&s); err != nil {
			return err
		}
		if s = strings.TrimSpace(s); s != "" {
			*c = Command{s}
		}
		return nil
	case yaml.SequenceNode:
		var args []string
		if err := node.Decode(&args); err != nil {
			return err
		}
		*c = Command(args)
		return nil
	}
	return fmt.Errorf("line %d: command must be a string or a list", node.Line)
}

// Argv returns the argv to execute.
func (c Command) Argv() []string {
	if len(c) == 1 && strings.ContainsAny(c[0], " \t") {
		return []string{"/bin/sh", "-c", c[0]}
	}
	return []string(c)
}

// OpenActions is the open: list of a service. It accepts a URL string, a
// single {label, url|command} mapping, or a list mixing both. Entries
// without a target are dropped.
type OpenActions []OpenAction

func (o *OpenActions) UnmarshalYAML(node *yaml.Node) error {
	var items []*yaml.Node
	switch node.Kind {
	case yaml.ScalarNode, yaml.MappingNode:
		items = []*yaml.Node{node}
	case yaml.SequenceNode:
		items = node.Content
	default:
		return fmt.Errorf("line %d: open must be a URL, a mapping or a list", node.Line)
	}

	var out OpenActions
	for _, item := range items {
		a, ok, err := decodeOpenAction(item)
		if err != nil {
			return err
		}
		if ok {
			out = append(out, a)
		}
	}
	*o = out
	return nil
}

func decodeOpenAction(node *yaml.Node) (OpenAction, bool, error) {
	switch node.Kind {
	case yaml.ScalarNode:
		var url string
		if err := node.Decode(&url); err != nil {
			return OpenAction{}, false, err
		}
		url = strings.TrimSpace(url)
		return OpenAction{Label: LabelOpen, URL: url}, url != "", nil
	case yaml.MappingNode:
		var raw struct {
			Label   string  `yaml:"label"`
			URL     *string `yaml:"url"`
			Command Command `yaml:"command"`
		}
		if err := node.Decode(&raw); err != nil {
			return OpenAction{}, false, err
		}
		if raw.URL != nil {
			url := strings.TrimSpace(*raw.URL)
			if url == "" {
				return OpenAction{}, false, nil
			}
			return OpenAction{Label: labelOr(raw.Label, LabelOpenURL), URL: url}, true, nil
		}
		if len(raw.Command) > 0 {
			return OpenAction{Label: labelOr(raw.Label, LabelRunCommand), Command: raw.Command}, true, nil
		}
		return OpenAction{}, false, nil
	}
	return OpenAction{}, false, fmt.Errorf("line %d: open entry must be a URL or a mapping", node.Line)
}

func labelOr(label, def string) string {
	if label = strings.TrimSpace(label); label != "" {
		return label
	}
	return def
}

// Find returns the action with the given label, case-insensitively. An empty
// label selects the only action.
func (o OpenActions) Find(label string) (OpenAction, error) {
	if len(o) == 0 {
		return OpenAction{}, fmt.Errorf("no open actions configured")
	}
	if label == "" {
		if len(o) > 1 {
			return OpenAction{}, fmt.Errorf("%d open actions configured, pick one of: %s", len(o), strings.Join(o.Labels(), ", "))
		}
		return o[0], nil
	}
	for _, a := range o {
		if strings.EqualFold(a.Label, label) {
			return a, nil
		}
	}
	return OpenAction{}, fmt.Errorf("no open action %q, have: %s", label, strings.Join(o.Labels(), ", "))
}

// Labels lists the action labels in order.
func (o OpenActions) Labels() []string {
	out := make([]string, len(o))
	for i, a := range o {
		out[i] = a.Label
	}
	return out
}
