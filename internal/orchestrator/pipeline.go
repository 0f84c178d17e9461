package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/takeru403/Ipoca-network/internal/basket"
	"github.com/takeru403/Ipoca-network/internal/export"
	"github.com/takeru403/Ipoca-network/internal/ingest"
	"github.com/takeru403/Ipoca-network/internal/logger"
	"github.com/takeru403/Ipoca-network/internal/mining"
	"github.com/takeru403/Ipoca-network/internal/models"
	"github.com/takeru403/Ipoca-network/internal/network"
	"github.com/takeru403/Ipoca-network/internal/segment"
)

// Stage labels in execution order.
const (
	StagePreprocessing = "preprocessing"
	StageRuleMining    = "rule_mining"
	StageGraphAssembly = "graph_assembly"
	StageClustering    = "clustering"
	StageRadarPrep     = "radar_prep"
	StageCompleted     = "completed"
)

// Request carries the per-upload parameters. Zero values take the
// configured defaults.
type Request struct {
	Mapping        map[string]string // raw column → semantic column
	MinSupport     float64
	MaxLen         int
	FullTenantList []string
	StrictGraph    *bool
	NClusters      int
}

type params struct {
	mapping  map[string]string
	mining   mining.Options
	network  network.Options
	segments segment.Options
}

func (o *Orchestrator) resolve(req Request) (params, error) {
	d := o.cfg.Defaults
	opts := mining.DefaultOptions()
	if d.MinSupport > 0 {
		opts.MinSupport = d.MinSupport
	}
	if d.MaxLen > 0 {
		opts.MaxLen = d.MaxLen
	}
	if d.MinLift > 0 {
		opts.MinLift = d.MinLift
	}
	if d.MaxItemsets > 0 {
		opts.MaxItemsets = d.MaxItemsets
	}
	if req.MinSupport != 0 {
		opts.MinSupport = req.MinSupport
	}
	if req.MaxLen != 0 {
		opts.MaxLen = req.MaxLen
	}
	if err := opts.Validate(); err != nil {
		return params{}, err
	}

	strict := d.StrictGraph
	if req.StrictGraph != nil {
		strict = *req.StrictGraph
	}

	seg := segment.DefaultOptions()
	if d.NClusters > 0 {
		seg.K = d.NClusters
	}
	if req.NClusters != 0 {
		seg.K = req.NClusters
	}
	if seg.K < 1 {
		return params{}, fmt.Errorf("n_clusters must be at least 1, got %d", seg.K)
	}

	return params{
		mapping:  req.Mapping,
		mining:   opts,
		network:  network.Options{FullTenantList: req.FullTenantList, Strict: strict},
		segments: seg,
	}, nil
}

// Result is the payload of a completed job.
type Result struct {
	RulesCount   int                   `json:"rules_count"`
	NodesCount   int                   `json:"nodes_count"`
	EdgesCount   int                   `json:"edges_count"`
	Filename     string                `json:"filename"`
	Rules        *models.RuleTable     `json:"rules"`
	Network      *network.Network      `json:"network_data"`
	Segmentation *segment.Segmentation `json:"segmentation"`
	Radar        []segment.RadarRow    `json:"radar_data"`
	Report       ingest.Report         `json:"report"`
	Warnings     []string              `json:"warnings,omitempty"`
}

// JSON encodes the result for the job record.
func (r *Result) JSON() (json.RawMessage, error) {
	return json.Marshal(r)
}

type progressFunc func(step string, pct int, msg string)

type stage struct {
	name     string
	progress int
	message  string
	run      func(ctx context.Context) error
}

// runStage reports progress, runs one stage and labels its error.
func runStage(ctx context.Context, s stage, progress progressFunc) (err error) {
	progress(s.name, s.progress, s.message)
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Stage %s panicked: %v\n%s", s.name, r, debug.Stack())
			err = fmt.Errorf("%s failed: panic: %v", s.name, r)
		}
	}()
	if err := s.run(ctx); err != nil {
		return fmt.Errorf("%s failed: %w", s.name, err)
	}
	return nil
}

// pipeline runs every stage against one upload. Nothing is kept when a
// stage fails.
func (o *Orchestrator) pipeline(ctx context.Context, processID string, frame *ingest.Frame, p params, progress progressFunc) (*Result, error) {
	res := &Result{}

	var (
		txs []models.Transaction
		b   *basket.Basket
		rev basket.Revenue
		seg *segment.Segmentation
	)

	stages := []stage{
		{StagePreprocessing, 10, "building baskets", func(context.Context) error {
			var err error
			txs, res.Report, err = frame.Transactions(p.mapping)
			if err != nil {
				return err
			}
			logger.Debug("%s: accepted %d of %d rows", processID, res.Report.Accepted, res.Report.Rows)
			b, rev, err = basket.Build(txs)
			return err
		}},
		{StageRuleMining, 30, "mining association rules", func(context.Context) error {
			mined := mining.NewMiner(p.mining).Mine(b, rev)
			if mined.Failure != nil {
				logger.Warn("%s: %v", processID, mined.Failure)
				res.Warnings = append(res.Warnings, mined.Failure.Error())
			}
			res.Rules = mined.Table
			return nil
		}},
		{StageGraphAssembly, 60, "building the shop network", func(context.Context) error {
			net, err := network.Build(res.Rules, p.network)
			if err != nil {
				return err
			}
			for metric, reason := range net.Fallbacks {
				res.Warnings = append(res.Warnings, fmt.Sprintf("%s fell back: %s", metric, reason))
			}
			res.Network = net
			return nil
		}},
		{StageClustering, 80, "clustering customers", func(ctx context.Context) error {
			var err error
			seg, err = segment.Segment(txs, p.segments)
			if err != nil {
				return err
			}
			seg.Name(ctx, o.namer)
			res.Segmentation = seg
			return nil
		}},
		{StageRadarPrep, 90, "preparing radar chart data", func(context.Context) error {
			res.Radar = seg.Radar()
			name, err := export.WriteRulesCSV(o.cfg.ArtifactDir, processID, res.Rules)
			if err != nil {
				return err
			}
			res.Filename = name
			return nil
		}},
	}

	for _, s := range stages {
		if err := runStage(ctx, s, progress); err != nil {
			return nil, err
		}
	}

	res.RulesCount = res.Rules.Len()
	res.NodesCount = len(res.Network.Nodes)
	res.EdgesCount = len(res.Network.Links)
	return res, nil
}

// Analyze runs the pipeline synchronously without recording a job.
func (o *Orchestrator) Analyze(ctx context.Context, raw []byte, filename string, req Request) (string, *Result, error) {
	p, err := o.resolve(req)
	if err != nil {
		return "", nil, err
	}
	frame, err := ingest.Parse(raw, filename)
	if err != nil {
		return "", nil, err
	}
	if err := frame.CheckColumns(req.Mapping); err != nil {
		return "", nil, err
	}

	id := NewProcessID(o.now())
	res, err := o.pipeline(ctx, id, frame, p, func(step string, pct int, msg string) {
		logger.Info("[%3d%%] %s: %s", pct, step, msg)
	})
	if err != nil {
		return id, nil, err
	}
	return id, res, nil
}
