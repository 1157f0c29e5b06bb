package steps

import (
	"bytes"
	"context"
	"io"
	"path"
	"strings"

	"github.com/klauspost/compress/zip"
	"go.uber.org/multierr"

	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/flow"
	"github.com/tabulify/tabulify/pkg/glob"
	"github.com/tabulify/tabulify/pkg/types"
)

// DefaultUnzipTarget is the target of unzipped entries without targetDataUri
const DefaultUnzipTarget = "${path}@tmp"

// Unzip extracts the entries of a zip archive. Entries are selected with a
// glob on their full name, lose their first stripComponents directories,
// and are written to targetDataUri where ${path} is the stripped entry
// path and ${name} its last segment.
//
//	entrySelector: "data/*.csv"
//	stripComponents: 1
//	targetDataUri: "landing/${path}@cd"
func Unzip() flow.StepProvider {
	return &provider{
		operations: []string{"unzip"},
		arguments: []flow.Argument{
			{Name: "entrySelector", Kind: flow.KindString, Description: "glob on entry names (default **)"},
			{Name: "stripComponents", Kind: flow.KindInt, Description: "leading directories removed from entry names"},
			{Name: "targetDataUri", Kind: flow.KindString, Description: "target template with ${path} or ${name}"},
		},
		outputs: []flow.OutputMode{flow.OutputTargets, flow.OutputResults, flow.OutputInputs},
		validate: func(op string, args flow.Arguments) error {
			if _, err := glob.Compile(args.String("entrySelector", "**")); err != nil {
				return err
			}
			strip, err := args.Int("stripComponents", 0)
			if err != nil {
				return err
			}
			if strip < 0 {
				return errors.Newf(errors.ErrorTypeValidation, "stripComponents cannot be negative, got %d", strip)
			}
			target := args.String("targetDataUri", DefaultUnzipTarget)
			if args.Output() == flow.OutputTargets && !flow.HasPlaceholder(target, "path", "name") {
				return errors.Newf(errors.ErrorTypeValidation,
					"in %s output mode, targetDataUri must contain a ${path} or ${name} placeholder, got %q", flow.OutputTargets, target)
			}
			return nil
		},
		runnable: func(op string, args flow.Arguments) (flow.Runnable, error) {
			selector, err := glob.Compile(args.String("entrySelector", "**"))
			if err != nil {
				return nil, err
			}
			strip, err := args.Int("stripComponents", 0)
			if err != nil {
				return nil, err
			}
			return &unzipRunnable{
				selector: selector,
				strip:    strip,
				target:   args.String("targetDataUri", DefaultUnzipTarget),
				output:   args.Output(),
			}, nil
		},
	}
}

// StripComponents removes the first n directories of an entry name. It
// returns "" when nothing is left.
func StripComponents(name string, n int) string {
	parts := strings.Split(strings.Trim(name, "/"), "/")
	if n >= len(parts) {
		return ""
	}
	return strings.Join(parts[n:], "/")
}

type unzipRunnable struct {
	inputs
	selector *glob.Pattern
	strip    int
	target   string
	output   flow.OutputMode
}

func (r *unzipRunnable) Run(ctx context.Context, s flow.Session) ([]*connection.DataPath, error) {
	var (
		targets []*connection.DataPath
		results [][]any
	)
	for _, archive := range r.paths {
		data, err := readAll(ctx, archive)
		if err != nil {
			return nil, err
		}
		zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
		if err != nil {
			return nil, errors.Wrapf(err, errors.ErrorTypeData, "%s is not a zip archive", archive.ID())
		}
		for _, entry := range zr.File {
			if strings.HasSuffix(entry.Name, "/") || !r.selector.Match(entry.Name) {
				continue
			}
			stripped := StripComponents(entry.Name, r.strip)
			if stripped == "" {
				continue
			}
			uri := flow.Expand(r.target, map[string]string{
				"path":        stripped,
				"name":        path.Base(stripped),
				"archive":     archive.LogicalName(),
				"logicalName": archive.LogicalName(),
			})
			target, err := flow.ResolveDataPath(ctx, s, uri, connection.MediaTypeUnknown)
			if err != nil {
				return nil, err
			}
			size, err := extract(ctx, entry, target)
			if err != nil {
				return nil, errors.Wrapf(err, errors.ErrorTypeFile, "entry %s of %s", entry.Name, archive.ID())
			}
			targets = append(targets, target)
			results = append(results, []any{archive.ID(), entry.Name, target.ID(), size})
		}
	}

	if r.output == flow.OutputResults {
		rel := resultRelation(
			resultColumn{"archive", types.Varchar},
			resultColumn{"entry", types.Varchar},
			resultColumn{"target", types.Varchar},
			resultColumn{"size", types.BigInt},
		)
		dp, err := flow.WriteResults(ctx, s, rel, results)
		if err != nil {
			return nil, err
		}
		return []*connection.DataPath{dp}, nil
	}
	return targets, nil
}

func readAll(ctx context.Context, dp *connection.DataPath) ([]byte, error) {
	rc, err := dp.OpenBlob(ctx)
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(rc)
	if closeErr := rc.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		return nil, errors.Wrapf(err, errors.ErrorTypeFile, "cannot read %s", dp.ID())
	}
	return data, nil
}

func extract(ctx context.Context, entry *zip.File, target *connection.DataPath) (n int64, err error) {
	rc, err := entry.Open()
	if err != nil {
		return 0, err
	}
	defer func() { err = multierr.Append(err, rc.Close()) }()
	w, err := target.CreateBlob(ctx)
	if err != nil {
		return 0, err
	}
	n, err = io.Copy(w, rc)
	return n, multierr.Append(err, w.Close())
}
