package flow

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/google/uuid"

	"github.com/tabulify/tabulify/pkg/config"
	"github.com/tabulify/tabulify/pkg/connection"
	"github.com/tabulify/tabulify/pkg/errors"
	"github.com/tabulify/tabulify/pkg/glob"
	"github.com/tabulify/tabulify/pkg/logger"
	"github.com/tabulify/tabulify/pkg/relation"
	"github.com/tabulify/tabulify/pkg/stream"
)

// Session is what a running step sees of the process: the live
// connections, the memory connection holding results and the output of
// printing steps.
type Session interface {
	// Connection returns a live connection, opening it on first use
	Connection(ctx context.Context, name string) (*connection.Connection, error)
	// DefaultConnection names the connection of data URIs without one
	DefaultConnection() string
	// Memory is the connection of transient resources
	Memory() *connection.Connection
	Config() *config.BaseConfig
	Out() io.Writer
}

// ResolveDataPath returns the DataPath addressed by a data URI
// (path@connection). The resource may not exist.
func ResolveDataPath(ctx context.Context, s Session, dataURI string, mediaType connection.MediaType) (*connection.DataPath, error) {
	uri, err := connection.ParseDataURI(dataURI)
	if err != nil {
		return nil, err
	}
	conn, err := connectionOf(ctx, s, uri)
	if err != nil {
		return nil, err
	}
	return conn.DataPath(uri.Pattern, mediaType)
}

// SelectDataPaths resolves a data selector. A glob pattern enumerates the
// matching children of the connection root; a plain path returns its
// DataPath when the resource exists.
func SelectDataPaths(ctx context.Context, s Session, selector string, mediaType connection.MediaType) ([]*connection.DataPath, error) {
	uri, err := connection.ParseDataURI(selector)
	if err != nil {
		return nil, err
	}
	conn, err := connectionOf(ctx, s, uri)
	if err != nil {
		return nil, err
	}
	if glob.IsPattern(uri.Pattern) {
		root, err := conn.CurrentDataPath()
		if err != nil {
			return nil, err
		}
		return conn.Children(ctx, root, uri.Pattern)
	}
	dp, err := conn.DataPath(uri.Pattern, mediaType)
	if err != nil {
		return nil, err
	}
	exists, err := dp.Exists(ctx)
	if err != nil {
		return nil, err
	}
	if !exists {
		return nil, nil
	}
	return []*connection.DataPath{dp}, nil
}

func connectionOf(ctx context.Context, s Session, uri connection.DataURI) (*connection.Connection, error) {
	name := uri.Connection
	if name == "" {
		name = s.DefaultConnection()
	}
	if name == "" {
		return nil, errors.Newf(errors.ErrorTypeConfig, "data uri %s names no connection and no default connection is set", uri)
	}
	return s.Connection(ctx, name)
}

// Vars returns the template variables of a DataPath: ${path}, ${name}
// (last path segment), ${logicalName} and ${connection}
func Vars(dp *connection.DataPath) map[string]string {
	return map[string]string{
		"path":        dp.Path(),
		"name":        path.Base(dp.Path()),
		"logicalName": dp.LogicalName(),
		"connection":  dp.Connection().Name(),
	}
}

// Expand replaces the ${var} placeholders of a template. Unknown
// placeholders are left in place.
func Expand(template string, vars map[string]string) string {
	if !strings.Contains(template, "${") {
		return template
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "${"+k+"}", v)
	}
	return strings.NewReplacer(pairs...).Replace(template)
}

// HasPlaceholder reports whether a template references one of the variables
func HasPlaceholder(template string, vars ...string) bool {
	for _, v := range vars {
		if strings.Contains(template, "${"+v+"}") {
			return true
		}
	}
	return false
}

// StepName returns the name of the running step
func StepName(ctx context.Context) string {
	if name, ok := ctx.Value(logger.StepKey).(string); ok && name != "" {
		return name
	}
	return "step"
}

// WriteResults stores result rows in a new transient resource of the
// session memory connection
func WriteResults(ctx context.Context, s Session, rel *relation.RelationDef, rows [][]any) (*connection.DataPath, error) {
	name := StepName(ctx) + "_results_" + strings.ReplaceAll(uuid.NewString()[:8], "-", "")
	dp, err := s.Memory().DataPath(name, connection.MediaTypeRelation)
	if err != nil {
		return nil, err
	}
	dp.SetRelationDef(rel)
	if err := dp.Create(ctx); err != nil {
		return nil, err
	}
	ins, err := dp.Insert(ctx, stream.InsertOptions{BatchSize: len(rows) + 1})
	if err != nil {
		return nil, err
	}
	for _, row := range rows {
		if err := ins.Insert(ctx, row); err != nil {
			_ = ins.Close(ctx)
			return nil, err
		}
	}
	if err := ins.Close(ctx); err != nil {
		return nil, err
	}
	dp.SetLogicalName(StepName(ctx) + "_results")
	return dp, nil
}
