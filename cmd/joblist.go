package main

import (
	"bufio"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/drgo/dataget"
)

// readJobList loads job specs from path. Files ending in .yaml or .yml hold
// a list of {url, name, folder, size} mappings; anything else is read as
// text with one "URL [name]" per line. A path of - reads text from stdin.
func (app *cliApp) readJobList(path string) ([]dataget.JobSpec, error) {
	if path == "-" {
		return parseTextList(app.in)
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening job list")
	}
	defer f.Close()

	var specs []dataget.JobSpec
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		specs, err = parseYAMLList(f)
	default:
		specs, err = parseTextList(f)
	}
	if err != nil {
		return nil, errors.Wrap(err, path)
	}
	return specs, nil
}

func parseTextList(r io.Reader) ([]dataget.JobSpec, error) {
	var specs []dataget.JobSpec
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		spec := dataget.JobSpec{URL: fields[0]}
		if len(fields) > 1 {
			spec.Name = strings.Join(fields[1:], " ")
		}
		specs = append(specs, spec)
	}
	return specs, sc.Err()
}

func parseYAMLList(r io.Reader) ([]dataget.JobSpec, error) {
	var specs []dataget.JobSpec
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&specs); err != nil && err != io.EOF {
		return nil, errors.Wrap(err, "parsing YAML job list")
	}
	return specs, nil
}
