// Package bigquery loads batch files into BigQuery through load jobs.
//
// Every batch is first loaded into a scratch table, then moved into the
// target with SQL: a transaction for incremental loads, a copy job with
// WriteTruncate for full loads.
package bigquery

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/bigquery"
	"go.uber.org/zap"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/ajitpratap0/tablemirror/pkg/config"
	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/filesink"
	"github.com/ajitpratap0/tablemirror/pkg/models"
	"github.com/ajitpratap0/tablemirror/pkg/registry"
	"github.com/ajitpratap0/tablemirror/pkg/warehouse"
)

func init() {
	_ = registry.RegisterWarehouse(config.WarehouseBigQuery, func(ctx context.Context, cfg config.WarehouseConfig, cloud *config.CloudConfig, logger *zap.Logger) (warehouse.Client, error) {
		c, err := New(ctx, cfg, cloud, logger)
		if err != nil {
			return nil, err
		}
		return c, nil
	})
}

const jobTimeout = 30 * time.Minute

// Client is a warehouse.Client over one BigQuery dataset.
type Client struct {
	client   *bigquery.Client
	dataset  *bigquery.Dataset
	project  string
	// bucket is set when files are uploaded to GCS and can be loaded from there
	bucket   string
	manifest string
	logger   *zap.Logger
}

var _ warehouse.Client = (*Client)(nil)

// New connects and creates the dataset and manifest table when missing.
func New(ctx context.Context, cfg config.WarehouseConfig, cloud *config.CloudConfig, logger *zap.Logger) (*Client, error) {
	if cfg.BigQuery == nil {
		return nil, errors.New(errors.ErrorTypeConfig, "bigquery settings are missing")
	}
	bq := *cfg.BigQuery

	var opts []option.ClientOption
	if bq.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(bq.CredentialsFile))
	}
	client, err := bigquery.NewClient(ctx, bq.ProjectID, opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConnection, "failed to create BigQuery client")
	}
	client.Location = bq.Location

	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Client{
		client:   client,
		dataset:  client.Dataset(bq.Dataset),
		project:  bq.ProjectID,
		manifest: cfg.ManifestTable,
		logger:   logger.With(zap.String("component", "bigquery"), zap.String("dataset", bq.Dataset)),
	}
	if cloud != nil && cloud.Provider == config.ProviderGCP {
		c.bucket = cloud.Bucket
	}

	if _, err := c.dataset.Metadata(ctx); err != nil {
		if !isNotFound(err) {
			client.Close()
			return nil, classify(err, "failed to read dataset")
		}
		if err := c.dataset.Create(ctx, &bigquery.DatasetMetadata{Location: bq.Location}); err != nil {
			client.Close()
			return nil, classify(err, "failed to create dataset")
		}
		c.logger.Info("dataset created")
	}

	if err := c.ensureManifest(ctx); err != nil {
		client.Close()
		return nil, err
	}

	c.logger.Info("Connected to BigQuery", zap.String("project", bq.ProjectID), zap.String("location", bq.Location))
	return c, nil
}

// Convention folds identifiers to lower case.
func (c *Client) Convention() models.CaseConvention { return models.LowerCase }

func (c *Client) qualified(table string) string {
	return quote(c.project + "." + c.dataset.DatasetID + "." + table)
}

// Describe reads the table schema.
func (c *Client) Describe(ctx context.Context, table string) ([]models.ColumnDescriptor, error) {
	md, err := c.dataset.Table(table).Metadata(ctx)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, classify(err, "failed to describe table")
	}
	return fromSchema(md.Schema), nil
}

// EnsureColumns creates or evolves the table. Widened columns are rebuilt
// with CREATE OR REPLACE; added columns go through a metadata update.
func (c *Client) EnsureColumns(ctx context.Context, table string, schema []models.ColumnDescriptor, diff models.SchemaDiff) error {
	t := c.dataset.Table(table)
	md, err := t.Metadata(ctx)
	if err != nil {
		if !isNotFound(err) {
			return classify(err, "failed to describe table")
		}
		if err := t.Create(ctx, &bigquery.TableMetadata{Schema: toSchema(schema)}); err != nil {
			return classify(err, "failed to create table")
		}
		c.logger.Info("table created", zap.String("table", table), zap.Int("columns", len(schema)))
		return nil
	}

	if len(diff.Widened) > 0 {
		stmt := widenSQL(c.qualified(table), diff.Widened)
		if err := c.exec(ctx, stmt, nil); err != nil {
			if errors.IsType(err, errors.ErrorTypeQuery) {
				return errors.Wrap(err, errors.ErrorTypeCast, "warehouse rejected column conversion").WithDetail("statement", stmt)
			}
			return err
		}
		if md, err = t.Metadata(ctx); err != nil {
			return classify(err, "failed to describe table")
		}
	}

	if len(diff.Added) > 0 {
		updated := append(bigquery.Schema{}, md.Schema...)
		for _, col := range diff.Added {
			updated = append(updated, &bigquery.FieldSchema{Name: col.Name, Type: fieldType(col.Type)})
		}
		if _, err := t.Update(ctx, bigquery.TableMetadataToUpdate{Schema: updated}, md.ETag); err != nil {
			return classify(err, "failed to add columns")
		}
	}

	if !diff.Empty() {
		c.logger.Info("table schema updated",
			zap.String("table", table),
			zap.Int("added", len(diff.Added)),
			zap.Int("widened", len(diff.Widened)))
	}
	return nil
}

// Stage points at the uploaded GCS object when there is one, otherwise at
// the local file, which is streamed with the load job.
func (c *Client) Stage(_ context.Context, batch models.ExtractionBatch, objectKey string) (warehouse.Staged, error) {
	if c.bucket != "" && objectKey != "" {
		return warehouse.Staged{Batch: batch, Location: fmt.Sprintf("gs://%s/%s", c.bucket, objectKey)}, nil
	}
	return warehouse.Staged{Batch: batch, Location: batch.File.Path}, nil
}

// LoadIncremental loads the file into a scratch table and appends it to
// the target together with its manifest row in one transaction.
func (c *Client) LoadIncremental(ctx context.Context, table string, staged warehouse.Staged) error {
	catalog, err := c.Describe(ctx, table)
	if err != nil {
		return err
	}
	if catalog == nil {
		return errors.Newf(errors.ErrorTypeNotFound, "table %s does not exist", table)
	}

	scratch := fmt.Sprintf("%s%s_%d", table, loadTableSuffix, staged.Batch.Sequence)
	if err := c.loadFile(ctx, scratch, staged, bigquery.WriteTruncate); err != nil {
		return err
	}
	defer c.dropQuietly(scratch)

	b := staged.Batch
	params, err := manifestParams(b, "")
	if err != nil {
		return err
	}
	stmt := insertScript(c.qualified(table), c.qualified(scratch), c.qualified(c.manifest), catalog, b.Schema)
	if err := c.exec(ctx, stmt, params); err != nil {
		return err
	}

	c.logger.Info("batch loaded", zap.String("table", table), zap.Int64("sequence", b.Sequence), zap.Int("rows", b.RowCount))
	return nil
}

// LoadFull loads every file into its own scratch table, materialises their
// union with the target's schema and replaces the target with a
// WriteTruncate copy job. An empty batch list truncates the target.
func (c *Client) LoadFull(ctx context.Context, table string, staged []warehouse.Staged) error {
	if len(staged) == 0 {
		if err := c.exec(ctx, "TRUNCATE TABLE "+c.qualified(table), nil); err != nil {
			return err
		}
		c.logger.Info("table truncated", zap.String("table", table))
		return nil
	}
	catalog, err := c.Describe(ctx, table)
	if err != nil {
		return err
	}
	if catalog == nil {
		return errors.Newf(errors.ErrorTypeNotFound, "table %s does not exist", table)
	}

	full := table + fullTableSuffix
	defer c.dropQuietly(full)

	parts := make([]loadPart, len(staged))
	batches := make([]models.ExtractionBatch, len(staged))
	for i, s := range staged {
		scratch := fmt.Sprintf("%s%s_%d", table, loadTableSuffix, s.Batch.Sequence)
		defer c.dropQuietly(scratch)
		if err := c.loadFile(ctx, scratch, s, bigquery.WriteTruncate); err != nil {
			return err
		}
		parts[i] = loadPart{table: c.qualified(scratch), schema: s.Batch.Schema}
		batches[i] = s.Batch
	}

	q := c.client.Query(fullSelect(catalog, parts))
	q.Dst = c.dataset.Table(full)
	q.WriteDisposition = bigquery.WriteTruncate
	q.CreateDisposition = bigquery.CreateIfNeeded
	if err := c.wait(ctx, q.Run); err != nil {
		return err
	}

	copier := c.dataset.Table(table).CopierFrom(c.dataset.Table(full))
	copier.WriteDisposition = bigquery.WriteTruncate
	if err := c.wait(ctx, copier.Run); err != nil {
		return err
	}

	stmt, params, err := manifestRows(c.qualified(c.manifest), batches)
	if err != nil {
		return err
	}
	if err := c.exec(ctx, stmt, params); err != nil {
		return err
	}

	c.logger.Info("table replaced", zap.String("table", table), zap.Int("files", len(staged)))
	return nil
}

// ensureManifest creates the manifest table, or adds the columns a manifest
// created by an older release lacks.
func (c *Client) ensureManifest(ctx context.Context) error {
	manifest := c.dataset.Table(c.manifest)
	md, err := manifest.Metadata(ctx)
	if err != nil {
		if !isNotFound(err) {
			return classify(err, "failed to read manifest table")
		}
		if err := manifest.Create(ctx, &bigquery.TableMetadata{Schema: manifestSchema}); err != nil {
			return classify(err, "failed to create manifest table")
		}
		return nil
	}
	missing := missingFields(md.Schema, manifestSchema)
	if len(missing) == 0 {
		return nil
	}
	updated := append(append(bigquery.Schema{}, md.Schema...), missing...)
	if _, err := manifest.Update(ctx, bigquery.TableMetadataToUpdate{Schema: updated}, md.ETag); err != nil {
		return classify(err, "failed to upgrade manifest table")
	}
	c.logger.Info("manifest table upgraded", zap.Int("added_columns", len(missing)))
	return nil
}

// manifestRow is one row of the manifest table.
type manifestRow struct {
	Sequence        int64                  `bigquery:"sequence"`
	ContentKey      string                 `bigquery:"content_key"`
	RowCount        bigquery.NullInt64     `bigquery:"row_count"`
	WatermarkColumn bigquery.NullString    `bigquery:"watermark_column"`
	MaxWatermark    bigquery.NullString    `bigquery:"max_watermark"`
	CommittedAt     bigquery.NullTimestamp `bigquery:"committed_at"`
}

// LastCommitted reads the manifest row with the highest sequence.
func (c *Client) LastCommitted(ctx context.Context, tableID string) (*warehouse.Checkpoint, error) {
	q := c.client.Query(lastCommittedSQL(c.qualified(c.manifest)))
	q.Parameters = []bigquery.QueryParameter{{Name: "table_id", Value: tableID}}
	it, err := q.Read(ctx)
	if err != nil {
		return nil, classify(err, "failed to query manifest")
	}
	var row manifestRow
	if err := it.Next(&row); err != nil {
		if err == iterator.Done {
			return nil, nil
		}
		return nil, classify(err, "failed to read manifest")
	}
	wm, err := warehouse.DecodeWatermark(row.MaxWatermark.StringVal)
	if err != nil {
		return nil, err
	}
	return &warehouse.Checkpoint{
		Sequence:        row.Sequence,
		ContentKey:      row.ContentKey,
		RowCount:        int(row.RowCount.Int64),
		WatermarkColumn: row.WatermarkColumn.StringVal,
		Watermark:       wm,
		CommittedAt:     row.CommittedAt.Timestamp,
	}, nil
}

// Close closes the client.
func (c *Client) Close() error {
	return c.client.Close()
}

func (c *Client) loadFile(ctx context.Context, table string, staged warehouse.Staged, disposition bigquery.TableWriteDisposition) error {
	var src bigquery.LoadSource
	if strings.HasPrefix(staged.Location, "gs://") {
		ref := bigquery.NewGCSReference(staged.Location)
		configure(&ref.FileConfig, staged.Batch)
		src = ref
	} else {
		f, err := os.Open(staged.Location)
		if err != nil {
			return errors.Wrap(err, errors.ErrorTypeFile, "failed to open file for load")
		}
		defer f.Close()
		ref := bigquery.NewReaderSource(f)
		configure(&ref.FileConfig, staged.Batch)
		src = ref
	}

	loader := c.dataset.Table(table).LoaderFrom(src)
	loader.WriteDisposition = disposition
	loader.CreateDisposition = bigquery.CreateIfNeeded
	loader.Labels = map[string]string{
		"source":   "tablemirror",
		"sequence": fmt.Sprintf("%d", staged.Batch.Sequence),
	}

	if err := c.wait(ctx, loader.Run); err != nil {
		return err
	}
	c.logger.Debug("file loaded", zap.String("table", table), zap.String("file", staged.Batch.File.Name))
	return nil
}

// configure describes the file to the load job.
func configure(fc *bigquery.FileConfig, batch models.ExtractionBatch) {
	switch batch.File.Format {
	case models.FormatParquet:
		fc.SourceFormat = bigquery.Parquet
	case models.FormatAvro:
		fc.SourceFormat = bigquery.Avro
		fc.AvroOptions = &bigquery.AvroOptions{UseAvroLogicalTypes: true}
	default:
		fc.SourceFormat = bigquery.CSV
		fc.FieldDelimiter = string(filesink.Delimiter)
		fc.SkipLeadingRows = 1
		fc.AllowQuotedNewlines = true
		// gzip is detected by the service
		fc.Schema = loadSchema(batch.Schema)
	}
}

func (c *Client) exec(ctx context.Context, stmt string, params []bigquery.QueryParameter) error {
	q := c.client.Query(stmt)
	q.Parameters = params
	return c.wait(ctx, q.Run)
}

// wait runs a job and waits for it to finish.
func (c *Client) wait(ctx context.Context, run func(context.Context) (*bigquery.Job, error)) error {
	job, err := run(ctx)
	if err != nil {
		return classify(err, "failed to submit BigQuery job")
	}
	jobCtx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	status, err := job.Wait(jobCtx)
	if err != nil {
		return classify(err, "BigQuery job failed or timed out")
	}
	if err := status.Err(); err != nil {
		for _, detail := range status.Errors {
			c.logger.Error("job error detail",
				zap.String("job_id", job.ID()),
				zap.String("reason", detail.Reason),
				zap.String("message", detail.Message))
		}
		return classify(err, "BigQuery job failed")
	}
	return nil
}

func (c *Client) dropQuietly(table string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := c.dataset.Table(table).Delete(ctx); err != nil && !isNotFound(err) {
		c.logger.Warn("failed to drop scratch table", zap.String("table", table), zap.Error(err))
	}
}

func isNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound
}

// classify maps API and job errors onto the error taxonomy.
func classify(err error, msg string) *errors.Error {
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		switch apiErr.Code {
		case http.StatusTooManyRequests, http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable:
			return errors.Wrap(err, errors.ErrorTypeConnection, msg)
		case http.StatusNotFound:
			return errors.Wrap(err, errors.ErrorTypeNotFound, msg)
		case http.StatusUnauthorized:
			return errors.Wrap(err, errors.ErrorTypeConfig, msg)
		case http.StatusForbidden:
			for _, e := range apiErr.Errors {
				if e.Reason == "rateLimitExceeded" {
					return errors.Wrap(err, errors.ErrorTypeConnection, msg)
				}
			}
			return errors.Wrap(err, errors.ErrorTypeConfig, msg)
		}
		return errors.Wrap(err, errors.ErrorTypeQuery, msg)
	}
	var jobErr *bigquery.Error
	if errors.As(err, &jobErr) {
		switch jobErr.Reason {
		case "backendError", "internalError", "rateLimitExceeded", "jobRateLimitExceeded":
			return errors.Wrap(err, errors.ErrorTypeConnection, msg)
		}
		return errors.Wrap(err, errors.ErrorTypeQuery, msg)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return errors.Wrap(err, errors.ErrorTypeTimeout, msg)
	}
	return errors.Wrap(err, errors.ErrorTypeConnection, msg)
}
