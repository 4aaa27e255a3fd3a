// Licensed to Elasticsearch B.V. under one or more contributor
// license agreements. See the NOTICE file distributed with
// this work for additional information regarding copyright
// ownership. Elasticsearch B.V. licenses this file to you under
// the Apache License, Version 2.0 (the "License"); you may
// not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing,
// software distributed under the License is distributed on an
// "AS IS" BASIS, WITHOUT WARRANTIES OR CONDITIONS OF ANY
// KIND, either express or implied.  See the License for the
// specific language governing permissions and limitations
// under the License.

package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"os"
	"strings"

	"github.com/dustin/go-humanize"
	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.elastic.co/apm/module/apmelasticsearch/v2"
	"go.uber.org/zap"

	"github.com/elastic/go-docloader"
	"github.com/elastic/go-elasticsearch/v8"
)

// loadOptions holds the resolved flags of the load command.
type loadOptions struct {
	urls      []string
	username  string
	password  string
	apiKey    string
	index     string
	action    docloader.Action
	idField   string
	logLevel  string
	indexer   docloader.Config
	flushSize int
}

func newLoadCommand() *cobra.Command {
	v := viper.New()
	cmd := &cobra.Command{
		Use:   "load [files...]",
		Short: "Load newline delimited JSON documents into an index",
		Long: `Load newline delimited JSON documents into an index, one operation per
line. Documents are read from standard input when no files are given or a
file is named "-". With --action update each line holds the fields to update
and is sent as a partial document; --action update and delete both require
--id-field.

Every flag may also be set with a DOCLOADER_ prefixed environment variable,
for example DOCLOADER_FLUSH_BYTES=10MB.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := loadOptionsFromViper(v)
			if err != nil {
				return err
			}
			return runLoad(cmd, opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringSlice("url", []string{"http://localhost:9200"}, "Elasticsearch URL, may be repeated")
	flags.String("username", "", "username for basic authentication")
	flags.String("password", "", "password for basic authentication")
	flags.String("api-key", "", "base64 encoded API key")
	flags.String("index", "", "name of the index to load documents into")
	flags.String("action", string(docloader.ActionIndex), "bulk action for every document: index, create, update (each line is a partial document) or delete")
	flags.String("id-field", "", "document field holding the document ID, required for update and delete")
	flags.Bool("large", false, "disable replicas and refresh during the load and force merge afterwards")
	flags.Bool("no-refresh", false, "do not refresh the index once the load is complete")
	flags.String("flush-bytes", humanize.IBytes(docloader.DefaultFlushBytes), "uncompressed size of a bulk request that triggers a flush")
	flags.Duration("progress-interval", docloader.DefaultProgressInterval, "period between progress reports")
	flags.Int("compression-level", 0, "gzip compression level of bulk requests, from -1 to 9")
	flags.String("pipeline", "", "ingest pipeline to send documents through")
	flags.Int("max-retries", 0, "maximum retries of documents rejected with 429 Too Many Requests")
	flags.String("failure-policy", string(docloader.FailurePolicyCollect), "handling of rejected documents: collect, fail_fast or ignore")
	flags.String("log-level", "info", "log level: debug, info, warn or error")

	v.SetEnvPrefix("DOCLOADER")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	flags.VisitAll(func(flag *pflag.Flag) {
		if err := v.BindPFlag(flag.Name, flag); err != nil {
			panic(err)
		}
	})
	return cmd
}

func loadOptionsFromViper(v *viper.Viper) (loadOptions, error) {
	opts := loadOptions{
		urls:     v.GetStringSlice("url"),
		username: v.GetString("username"),
		password: v.GetString("password"),
		apiKey:   v.GetString("api-key"),
		index:    v.GetString("index"),
		action:   docloader.Action(v.GetString("action")),
		idField:  v.GetString("id-field"),
		logLevel: v.GetString("log-level"),
	}
	if opts.index == "" {
		return loadOptions{}, errors.New("--index is required")
	}
	switch opts.action {
	case docloader.ActionIndex, docloader.ActionCreate, docloader.ActionUpdate, docloader.ActionDelete:
	default:
		return loadOptions{}, fmt.Errorf("invalid --action %q", opts.action)
	}
	if opts.idField == "" && (opts.action == docloader.ActionUpdate || opts.action == docloader.ActionDelete) {
		return loadOptions{}, fmt.Errorf("--id-field is required with --action %s", opts.action)
	}

	flushBytes, err := humanize.ParseBytes(v.GetString("flush-bytes"))
	if err != nil {
		return loadOptions{}, fmt.Errorf("invalid --flush-bytes: %w", err)
	}
	if flushBytes == 0 || flushBytes > math.MaxInt32 {
		return loadOptions{}, fmt.Errorf("invalid --flush-bytes: %s out of range", v.GetString("flush-bytes"))
	}
	opts.flushSize = int(flushBytes)

	opts.indexer = docloader.Config{
		LargeLoad:            v.GetBool("large"),
		DisableRefreshOnStop: v.GetBool("no-refresh"),
		ProgressInterval:     v.GetDuration("progress-interval"),
		CompressionLevel:     v.GetInt("compression-level"),
		Pipeline:             v.GetString("pipeline"),
		MaxDocumentRetries:   v.GetInt("max-retries"),
		FailurePolicy:        docloader.FailurePolicy(v.GetString("failure-policy")),
	}
	return opts, nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	lvl, err := zap.ParseAtomicLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid --log-level: %w", err)
	}
	cfg.Level = lvl
	return cfg.Build()
}

func runLoad(cmd *cobra.Command, opts loadOptions, files []string) error {
	ctx := cmd.Context()
	logger, err := newLogger(opts.logLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()
	logger = logger.With(zap.String("index", opts.index))

	client, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: opts.urls,
		Username:  opts.username,
		Password:  opts.password,
		APIKey:    opts.apiKey,
		Transport: apmelasticsearch.WrapRoundTripper(http.DefaultTransport),
	})
	if err != nil {
		return fmt.Errorf("failed to create Elasticsearch client: %w", err)
	}

	cfg := opts.indexer
	cfg.Logger = logger
	indexer, err := docloader.New(client, opts.index, cfg)
	if err != nil {
		return err
	}
	if err := indexer.SetFlushBytes(opts.flushSize); err != nil {
		return err
	}
	if err := indexer.Start(ctx); err != nil {
		return err
	}

	if len(files) == 0 {
		files = []string{"-"}
	}
	var loadErr error
	for _, name := range files {
		if loadErr = loadFile(ctx, cmd, indexer, opts, name); loadErr != nil {
			break
		}
	}
	// Stop even when loading failed, so the index settings are restored.
	stopErr := indexer.Stop(ctx)

	stats := indexer.Stats()
	fmt.Fprintf(cmd.OutOrStdout(), "indexed %d of %d documents in %d bulk requests, %d failed\n",
		stats.Indexed, stats.Added, stats.BulkRequests, stats.Failed,
	)
	return errors.Join(loadErr, stopErr)
}

func loadFile(ctx context.Context, cmd *cobra.Command, indexer *docloader.BulkIndexer, opts loadOptions, name string) error {
	var r io.Reader
	if name == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(name)
		if err != nil {
			return err
		}
		defer f.Close()
		r = f
	}

	br := bufio.NewReader(r)
	for lineno := 1; ; lineno++ {
		line, err := br.ReadBytes('\n')
		if err != nil && err != io.EOF {
			return fmt.Errorf("%s: %w", name, err)
		}
		if doc := bytes.TrimSpace(line); len(doc) > 0 {
			if addErr := addDocument(ctx, indexer, opts, doc); addErr != nil {
				return fmt.Errorf("%s:%d: %w", name, lineno, addErr)
			}
		}
		if err == io.EOF {
			return nil
		}
	}
}

func addDocument(ctx context.Context, indexer *docloader.BulkIndexer, opts loadOptions, doc []byte) error {
	body := doc
	if opts.action == docloader.ActionUpdate {
		// Each line holds the fields to update.
		body = make([]byte, 0, len(doc)+len(`{"doc":}`))
		body = append(body, `{"doc":`...)
		body = append(body, doc...)
		body = append(body, '}')
	}
	op := docloader.Operation{
		Action: opts.action,
		Body:   bytes.NewReader(body),
	}
	if opts.idField != "" {
		id := jsoniter.Get(doc, opts.idField)
		if id.ValueType() == jsoniter.InvalidValue {
			return fmt.Errorf("document has no %q field", opts.idField)
		}
		op.DocumentID = id.ToString()
	}
	return indexer.Add(ctx, op)
}
