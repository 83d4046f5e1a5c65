package triage

import (
	"fmt"
	"sort"
	"time"
)

// TimeCluster is a burst of errors close together in time.
type TimeCluster struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
	Count int       `json:"count"`
}

// IndexCluster is a run of failing items at adjacent indices.
type IndexCluster struct {
	StartIndex int      `json:"start_index"`
	EndIndex   int      `json:"end_index"`
	Count      int      `json:"count"`
	ItemIDs    []string `json:"item_ids"`
}

// ProblematicItem is an item that failed more than once.
type ProblematicItem struct {
	ItemID    string `json:"item_id"`
	Failures  int    `json:"failures"`
	LastError string `json:"last_error"`
}

// Recommendation is one ranked suggestion.
type Recommendation struct {
	Rule    string  `json:"rule"`
	Message string  `json:"message"`
	Share   float64 `json:"share"`
}

// Report is the triage result for one execution.
type Report struct {
	Total            int               `json:"total"`
	ByType           map[string]int    `json:"by_type"`
	ByCode           map[string]int    `json:"by_code"`
	TimeClusters     []TimeCluster     `json:"time_clusters"`
	IndexClusters    []IndexCluster    `json:"index_clusters"`
	ProblematicItems []ProblematicItem `json:"problematic_items"`
	Recommendations  []Recommendation  `json:"recommendations"`
}

// Empty reports whether no errors were recorded.
func (r Report) Empty() bool { return r.Total == 0 }

// Analyze builds a report from records. cfg zero values take defaults.
func Analyze(records []ErrorRecord, cfg Config) Report {
	cfg.ApplyDefaults()
	report := Report{
		Total:  len(records),
		ByType: make(map[string]int),
		ByCode: make(map[string]int),
	}
	if len(records) == 0 {
		return report
	}

	for _, rec := range records {
		report.ByType[string(rec.ErrorType)]++
		report.ByCode[string(rec.ErrorCode)]++
	}
	report.TimeClusters = timeClusters(records, cfg.ClusterWindow, cfg.ClusterThreshold)
	report.IndexClusters = indexClusters(records, cfg.IndexGap, cfg.MinIndexClusterSize)
	report.ProblematicItems = problematicItems(records)
	report.Recommendations = recommend(report, cfg.ShareThreshold)
	return report
}

func timeClusters(records []ErrorRecord, window time.Duration, threshold int) []TimeCluster {
	times := make([]time.Time, len(records))
	for i, rec := range records {
		times[i] = rec.Timestamp
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })

	var clusters []TimeCluster
	// [lo, hi] are indices into times of the cluster being grown.
	lo, hi := -1, -1
	flush := func() {
		if lo >= 0 {
			clusters = append(clusters, TimeCluster{Start: times[lo], End: times[hi], Count: hi - lo + 1})
		}
		lo, hi = -1, -1
	}

	j := 0
	for i := range times {
		if j < i {
			j = i
		}
		for j+1 < len(times) && times[j+1].Sub(times[i]) <= window {
			j++
		}
		if j-i+1 < threshold {
			continue
		}
		if lo >= 0 && i <= hi {
			if j > hi {
				hi = j
			}
			continue
		}
		flush()
		lo, hi = i, j
	}
	flush()
	return clusters
}

func indexClusters(records []ErrorRecord, gap, minSize int) []IndexCluster {
	ids := make(map[int]string)
	for _, rec := range records {
		if rec.ItemIndex < 0 {
			continue
		}
		if _, ok := ids[rec.ItemIndex]; !ok {
			ids[rec.ItemIndex] = rec.ItemID
		}
	}
	indices := make([]int, 0, len(ids))
	for idx := range ids {
		indices = append(indices, idx)
	}
	sort.Ints(indices)

	var clusters []IndexCluster
	start := 0
	for i := 1; i <= len(indices); i++ {
		if i < len(indices) && indices[i]-indices[i-1] <= gap {
			continue
		}
		if run := indices[start:i]; len(run) >= minSize {
			c := IndexCluster{StartIndex: run[0], EndIndex: run[len(run)-1], Count: len(run)}
			for _, idx := range run {
				c.ItemIDs = append(c.ItemIDs, ids[idx])
			}
			clusters = append(clusters, c)
		}
		start = i
	}
	return clusters
}

func problematicItems(records []ErrorRecord) []ProblematicItem {
	byItem := make(map[string]*ProblematicItem)
	var order []string
	for _, rec := range records {
		p, ok := byItem[rec.ItemID]
		if !ok {
			p = &ProblematicItem{ItemID: rec.ItemID}
			byItem[rec.ItemID] = p
			order = append(order, rec.ItemID)
		}
		p.Failures++
		if rec.Attempt > p.Failures {
			p.Failures = rec.Attempt
		}
		p.LastError = rec.Message
	}

	var out []ProblematicItem
	for _, id := range order {
		if p := byItem[id]; p.Failures > 1 {
			out = append(out, *p)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Failures > out[j].Failures })
	return out
}

type rule struct {
	name    string
	message string
}

var typeRules = map[ErrorType]rule{
	TypeTimeout: {"raise_deadline",
		"most failures are timeouts: raise the per-task deadline or split slow tasks"},
	TypeValidation: {"review_input",
		"most failures are validation errors: review the upstream input data"},
	TypeDependencyFailure: {"fix_upstream",
		"most failures are skipped dependents: fix the failing upstream tasks first"},
	TypeRateLimit: {"reduce_concurrency",
		"most failures are rate limited: reduce max concurrency or add backoff"},
	TypeResource: {"raise_limits",
		"most failures exhaust resources: raise resource limits or reduce batch size"},
	TypeTaskExecution: {"inspect_handlers",
		"most failures come from task handlers: inspect the handler logs"},
	TypeIntegrity: {"manual_intervention",
		"integrity violations were detected: inspect checkpoint and idempotency stores before resuming"},
}

func recommend(r Report, shareThreshold float64) []Recommendation {
	var recs []Recommendation
	total := float64(r.Total)

	for t, n := range r.ByType {
		share := float64(n) / total
		rl, ok := typeRules[ErrorType(t)]
		if !ok || share < shareThreshold {
			continue
		}
		recs = append(recs, Recommendation{Rule: rl.name, Message: rl.message, Share: share})
	}

	if len(r.TimeClusters) > 0 {
		largest := r.TimeClusters[0]
		for _, c := range r.TimeClusters[1:] {
			if c.Count > largest.Count {
				largest = c
			}
		}
		recs = append(recs, Recommendation{
			Rule: "burst",
			Message: fmt.Sprintf("%d errors between %s and %s: check external dependencies for an outage",
				largest.Count, largest.Start.Format(time.RFC3339), largest.End.Format(time.RFC3339)),
			Share: float64(largest.Count) / total,
		})
	}
	for _, c := range r.IndexClusters {
		recs = append(recs, Recommendation{
			Rule: "adjacent_items",
			Message: fmt.Sprintf("items %d to %d failed together: inspect that batch of input data",
				c.StartIndex, c.EndIndex),
			Share: float64(c.Count) / total,
		})
	}
	if len(r.ProblematicItems) > 0 {
		recs = append(recs, Recommendation{
			Rule:    "problematic_items",
			Message: fmt.Sprintf("%d items failed repeatedly: quarantine them before retrying", len(r.ProblematicItems)),
			Share:   float64(len(r.ProblematicItems)) / total,
		})
	}

	sort.SliceStable(recs, func(i, j int) bool {
		if recs[i].Share != recs[j].Share {
			return recs[i].Share > recs[j].Share
		}
		return recs[i].Rule < recs[j].Rule
	})
	return recs
}
