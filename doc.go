// Package tabulify moves and inspects tabular data across connections.
//
// Every table, file, object or in-memory list is addressed by a data URI of
// the form path@connection, where the path may be a glob pattern selecting
// several resources at once:
//
//	users@warehouse        a table of the warehouse connection
//	*.csv@cd               the CSV files of the current directory
//	raw/**/*.jsonl@lake    JSON lines objects below raw/ of an S3 bucket
//
// # Architecture
//
// Connections are opened by providers registered on scheme (file, memory,
// s3, postgres, mysql, sqlserver, sqlite). A connection resolves paths into
// data paths that expose their relation (columns, primary and foreign
// keys) and stream rows through select and insert streams.
//
// The transfer package copies, inserts, upserts or replaces rows between any
// two data paths. The flow package runs declarative pipelines: a pipeline is
// an ordered list of steps (select, define, transfer, unzip, print...) that
// pass sets of data paths to one another.
//
// # Quick Start
//
// Copy the CSV files of a directory into a database and print one of them:
//
//	s, err := tabular.New(config.NewBaseConfig("tabulify"))
//	if err != nil {
//	    return err
//	}
//	defer s.Close()
//
//	p, err := s.LoadPipeline("pipeline.yml")
//	if err != nil {
//	    return err
//	}
//	_, err = s.Run(ctx, p)
//
// with pipeline.yml:
//
//	kind: pipeline
//	spec:
//	  name: load
//	  steps:
//	    - name: read
//	      operation: select
//	      args:
//	        dataSelector: "*.csv@cd"
//	    - name: copy
//	      operation: transfer
//	      args:
//	        targetDataUri: "${logicalName}@warehouse"
//
// The tabul command exposes the same operations from the shell.
package tabulify
