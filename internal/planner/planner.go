// Package planner turns a table's configuration and durable state into the
// extraction batches of one run.
//
// A run issues a single source query. Full loads read the whole table (or
// its filtered subset); incremental loads read rows strictly above the
// committed watermark, ordered by the watermark column. The cursor is cut
// into files of at most batch_size rows, numbered from the table's last
// sequence, and each file is written through the local file sink before
// the next one is read. Planning never touches durable state.
package planner

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/ajitpratap0/tablemirror/pkg/config"
	"github.com/ajitpratap0/tablemirror/pkg/errors"
	"github.com/ajitpratap0/tablemirror/pkg/filesink"
	"github.com/ajitpratap0/tablemirror/pkg/models"
	"github.com/ajitpratap0/tablemirror/pkg/schema"
	"github.com/ajitpratap0/tablemirror/pkg/source"
)

// defaultChunk is how many rows are fetched per cursor call when the table
// has no batch size. All chunks then end up in a single file.
const defaultChunk = 10000

// SinkFactory returns the sink for a file format.
type SinkFactory func(format models.FileFormat) (filesink.Sink, error)

// Plan is the outcome of the extraction stage.
type Plan struct {
	Batches []models.ExtractionBatch
	// Watermark is the highest watermark after the run, the prior one when
	// nothing new was read
	Watermark *models.Watermark
	Rows      int
}

// Empty reports a run that read no rows.
func (p *Plan) Empty() bool { return len(p.Batches) == 0 }

// Planner extracts tables from one source.
type Planner struct {
	reader source.Reader
	sinks  SinkFactory
	infer  *schema.TypeInferenceEngine
	logger *zap.Logger
	now    func() time.Time
}

// New creates a planner.
func New(reader source.Reader, sinks SinkFactory, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		reader: reader,
		sinks:  sinks,
		infer:  schema.NewTypeInferenceEngine(logger),
		logger: logger.With(zap.String("component", "planner")),
		now:    time.Now,
	}
}

// Extract reads the rows the run must deliver and writes them to files.
func (p *Planner) Extract(ctx context.Context, runID string, tc config.TableConfig, state *models.TableState) (*Plan, error) {
	if err := tc.Validate(); err != nil {
		return nil, err
	}
	logger := p.logger.With(zap.String("table_id", tc.ID), zap.String("run_id", runID))

	described, err := p.reader.Describe(ctx, tc.Name)
	if err != nil {
		return nil, errors.Propagate(err, fmt.Sprintf("describe %s", tc.Name))
	}
	if err := checkFields(tc, described); err != nil {
		return nil, err
	}

	q := source.Query{Table: tc.Name, Fields: tc.Fields, Filter: tc.Where}
	if tc.Mode == models.ModeIncremental {
		q.WatermarkColumn = tc.IncrementalColumn
		q.After, err = startingWatermark(tc, state, described)
		if err != nil {
			return nil, err
		}
	}

	sink, err := p.sinks(tc.FileFormat)
	if err != nil {
		return nil, err
	}

	cursor, err := p.reader.Open(ctx, q)
	if err != nil {
		return nil, errors.Propagate(err, fmt.Sprintf("query %s", tc.Name))
	}
	defer cursor.Close()

	cols := cursor.Columns()
	wmIndex := -1
	if q.WatermarkColumn != "" {
		wmIndex = indexOf(cols, q.WatermarkColumn)
		if wmIndex < 0 {
			return nil, errors.Newf(errors.ErrorTypeConfig, "incremental column %s is not in the result set", q.WatermarkColumn)
		}
	}

	plan := &Plan{Watermark: state.WatermarkValue}
	sequence := state.LastSequence

	chunk := tc.BatchSize
	if chunk <= 0 {
		chunk = defaultChunk
	}

	var pending []models.Row
	flush := func() error {
		if len(pending) == 0 {
			return nil
		}
		sequence++
		batch, err := p.writeBatch(ctx, sink, runID, tc.ID, sequence, cols, pending, wmIndex)
		if err != nil {
			return err
		}
		batch.WatermarkColumn = q.WatermarkColumn
		plan.Batches = append(plan.Batches, batch)
		plan.Rows += batch.RowCount
		if plan.Watermark, err = models.MaxWatermark(plan.Watermark, batch.MaxWatermark); err != nil {
			return errors.Wrap(err, errors.ErrorTypeStateCorruption, "watermark kind changed")
		}
		logger.Debug("batch extracted", zap.Int64("sequence", sequence), zap.Int("rows", batch.RowCount))
		pending = nil
		return nil
	}

	for {
		rows, err := cursor.Next(ctx, chunk)
		if err != nil {
			return nil, errors.Propagate(err, fmt.Sprintf("read %s", tc.Name))
		}
		if len(rows) == 0 {
			break
		}
		pending = append(pending, rows...)
		if tc.BatchSize > 0 && len(pending) >= tc.BatchSize {
			if err := flush(); err != nil {
				return nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, err
	}

	logger.Info("extraction finished",
		zap.Int("rows", plan.Rows),
		zap.Int("files", len(plan.Batches)),
		zap.Stringer("watermark", watermarkStringer{plan.Watermark}))
	return plan, nil
}

func (p *Planner) writeBatch(ctx context.Context, sink filesink.Sink, runID, tableID string, sequence int64,
	cols []source.Column, rows []models.Row, wmIndex int) (models.ExtractionBatch, error) {

	descriptors := p.describeBatch(cols, rows)
	for i, row := range rows {
		if err := schema.ConvertRow(row, descriptors); err != nil {
			return models.ExtractionBatch{}, errors.Wrap(err, errors.ErrorTypeCast, "failed to convert row").
				WithDetail("row", i).WithDetail("sequence", sequence)
		}
	}

	var maxWM *models.Watermark
	if wmIndex >= 0 {
		for _, row := range rows {
			if row[wmIndex] == nil {
				continue
			}
			wm, err := models.NewWatermark(row[wmIndex])
			if err != nil {
				return models.ExtractionBatch{}, errors.Wrap(err, errors.ErrorTypeData, "invalid watermark value")
			}
			if maxWM, err = models.MaxWatermark(maxWM, &wm); err != nil {
				return models.ExtractionBatch{}, errors.Wrap(err, errors.ErrorTypeData, "mixed watermark kinds")
			}
		}
	}

	handle, err := sink.Write(ctx, tableID, sequence, descriptors, rows)
	if err != nil {
		return models.ExtractionBatch{}, err
	}
	return models.ExtractionBatch{
		TableID:      tableID,
		RunID:        runID,
		Sequence:     sequence,
		RowCount:     len(rows),
		File:         handle,
		Schema:       descriptors,
		MaxWatermark: maxWM,
		ExtractedAt:  p.now().UTC(),
	}, nil
}

// describeBatch maps source columns to descriptors, inferring the types
// the source could not name from the batch's own values.
func (p *Planner) describeBatch(cols []source.Column, rows []models.Row) []models.ColumnDescriptor {
	out := make([]models.ColumnDescriptor, len(cols))
	var values []interface{}
	for i, c := range cols {
		out[i] = c.Descriptor()
		out[i].Ordinal = i
		if c.Type != "" {
			continue
		}
		values = values[:0]
		for _, row := range rows {
			if i < len(row) {
				values = append(values, row[i])
			}
		}
		inferred := p.infer.InferType(values)
		out[i].Type = inferred.Type
		out[i].Nullable = c.Nullable || inferred.Nullable
	}
	return out
}

// startingWatermark is the committed watermark, or the configured initial
// one on a table's first incremental run.
func startingWatermark(tc config.TableConfig, state *models.TableState, cols []source.Column) (*models.Watermark, error) {
	if state.WatermarkValue != nil {
		wm := *state.WatermarkValue
		return &wm, nil
	}
	if tc.InitialWatermark == "" {
		return nil, nil
	}
	i := indexOf(cols, tc.IncrementalColumn)
	if i < 0 {
		return nil, errors.Newf(errors.ErrorTypeConfig, "incremental column %s does not exist in %s", tc.IncrementalColumn, tc.Name)
	}
	kind, ok := WatermarkKindOf(cols[i].Type)
	if !ok {
		return nil, errors.Newf(errors.ErrorTypeConfig, "column %s of type %q cannot hold a watermark", cols[i].Name, cols[i].DataType)
	}
	wm, err := models.ParseWatermark(kind, tc.InitialWatermark)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeConfig, "invalid initial_watermark")
	}
	return &wm, nil
}

// WatermarkKindOf returns the watermark kind of a column type.
func WatermarkKindOf(t models.ColumnType) (models.WatermarkKind, bool) {
	switch t {
	case models.TypeInt:
		return models.WatermarkInt, true
	case models.TypeFloat:
		return models.WatermarkFloat, true
	case models.TypeDate, models.TypeTimestamp:
		return models.WatermarkTime, true
	case models.TypeString:
		return models.WatermarkString, true
	}
	return "", false
}

// checkFields rejects configured fields and incremental columns the source
// table does not have.
func checkFields(tc config.TableConfig, cols []source.Column) error {
	for _, f := range tc.Fields {
		if indexOf(cols, f) < 0 {
			return errors.Newf(errors.ErrorTypeConfig, "field %s does not exist in %s", f, tc.Name)
		}
	}
	if tc.Mode == models.ModeIncremental {
		i := indexOf(cols, tc.IncrementalColumn)
		if i < 0 {
			return errors.Newf(errors.ErrorTypeConfig, "incremental column %s does not exist in %s", tc.IncrementalColumn, tc.Name)
		}
		if cols[i].Type != "" {
			if _, ok := WatermarkKindOf(cols[i].Type); !ok {
				return errors.Newf(errors.ErrorTypeConfig, "column %s of type %q cannot hold a watermark", cols[i].Name, cols[i].DataType)
			}
		}
	}
	return nil
}

func indexOf(cols []source.Column, name string) int {
	for i, c := range cols {
		if strings.EqualFold(c.Name, name) {
			return i
		}
	}
	return -1
}

type watermarkStringer struct{ w *models.Watermark }

func (s watermarkStringer) String() string {
	if s.w == nil {
		return "none"
	}
	return s.w.String()
}
