package backend

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/opsgraph/sleuth/pkg/store"
)

// StoreSQL serves telemetry queries directly from the document store the
// ingestion pipeline writes to. It is the default telemetry connector: the
// upload path upserts rows into "{scenario}-telemetry__{table}" containers,
// and this backend reads the same containers back, so uploaded data is
// queryable without an external document-SQL account.
//
// The dialect is the subset of the document-SQL grammar agents actually
// emit: SELECT with optional TOP, WHERE with AND-joined comparisons on
// c.<column>, ORDER BY, LIMIT. Anything else comes back as an error-in-body
// hint naming the supported shape so the agent can rewrite its query.
type StoreSQL struct {
	st store.Store
}

// NewStoreSQL creates a store-backed telemetry backend. The store is shared
// with the rest of the process; Close does not touch it.
func NewStoreSQL(st store.Store) *StoreSQL {
	return &StoreSQL{st: st}
}

const storeSQLHint = "unsupported telemetry query; use SELECT [TOP n] * FROM c " +
	"[WHERE c.col <op> value [AND ...]] [ORDER BY c.col [DESC]] [LIMIT n], " +
	"or SELECT VALUE COUNT(1) FROM c"

var (
	storeSelectRe = regexp.MustCompile(`(?is)^\s*select\s+(?:top\s+(\d+)\s+)?(?:\*|c)\s+from\s+c\b`)
	storeCountRe  = regexp.MustCompile(`(?is)^\s*select\s+value\s+count\s*\(\s*1\s*\)\s+from\s+c\b`)
	storeWhereRe  = regexp.MustCompile(`(?is)\bwhere\b(.*)$`)
	storeOrderRe  = regexp.MustCompile(`(?is)\border\s+by\s+c\.(\w+)(\s+desc)?`)
	storeLimitRe  = regexp.MustCompile(`(?is)\blimit\s+(\d+)\b`)
	storeClauseRe = regexp.MustCompile(`(?is)\b(order\s+by|limit)\b`)
	storeCondRe   = regexp.MustCompile(`(?is)^c\.(\w+)\s*(>=|<=|!=|<>|=|>|<)\s*(\S.*)$`)
	storeAndRe    = regexp.MustCompile(`(?is)\s+and\s+`)
)

type storeCondition struct {
	column string
	op     string
	value  string
}

func (b *StoreSQL) ExecuteQuery(ctx context.Context, query string, opts QueryOptions) QueryResult {
	if opts.Container == "" {
		return ErrorResult("telemetry query requires a container")
	}

	plan, err := parseStoreQuery(query)
	if err != nil {
		return ErrorResult(err.Error())
	}

	docs, err := b.st.Query(ctx, opts.Container, nil)
	if err != nil {
		return ErrorResult(fmt.Sprintf("read container %s: %v", opts.Container, err))
	}

	matched := docs[:0]
	for _, doc := range docs {
		if plan.matches(doc) {
			matched = append(matched, doc)
		}
	}
	plan.order(matched)
	if plan.limit > 0 && len(matched) > plan.limit {
		matched = matched[:plan.limit]
	}

	if plan.count {
		return QueryResult{Columns: []string{"count"}, Data: [][]any{{len(matched)}}}
	}
	return rowsFromDocuments(matched)
}

func (b *StoreSQL) GetTopology(context.Context, string, []string) Topology {
	return ErrorTopology("topology queries are not supported on the telemetry store backend")
}

// Ingest goes through the upload pipeline, which writes to the store
// directly; there is nothing for the backend to do.
func (b *StoreSQL) Ingest(context.Context, []Vertex, []EdgeInput, IngestOptions) (IngestCounts, error) {
	return IngestCounts{}, ErrIngestNotSupported
}

// Close is a no-op: the store is owned by the process, not this backend.
func (b *StoreSQL) Close(context.Context) error { return nil }

// storeQuery is one parsed query plan.
type storeQuery struct {
	count      bool
	limit      int
	orderBy    string
	descending bool
	conditions []storeCondition
}

func parseStoreQuery(query string) (*storeQuery, error) {
	plan := &storeQuery{}
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return plan, nil
	}

	switch {
	case storeCountRe.MatchString(trimmed):
		plan.count = true
	case storeSelectRe.MatchString(trimmed):
		if m := storeSelectRe.FindStringSubmatch(trimmed); m[1] != "" {
			plan.limit, _ = strconv.Atoi(m[1])
		}
	default:
		return nil, fmt.Errorf("%s", storeSQLHint)
	}

	if m := storeLimitRe.FindStringSubmatch(trimmed); m != nil {
		plan.limit, _ = strconv.Atoi(m[1])
	}
	if m := storeOrderRe.FindStringSubmatch(trimmed); m != nil {
		plan.orderBy = m[1]
		plan.descending = m[2] != ""
	}

	if m := storeWhereRe.FindStringSubmatch(trimmed); m != nil {
		clause := m[1]
		// WHERE runs to the start of a trailing ORDER BY / LIMIT clause.
		if loc := storeClauseRe.FindStringIndex(clause); loc != nil {
			clause = clause[:loc[0]]
		}
		for _, raw := range storeAndRe.Split(strings.TrimSpace(clause), -1) {
			cm := storeCondRe.FindStringSubmatch(strings.TrimSpace(raw))
			if cm == nil {
				return nil, fmt.Errorf("%s", storeSQLHint)
			}
			plan.conditions = append(plan.conditions, storeCondition{
				column: cm[1],
				op:     cm[2],
				value:  unquoteStoreLiteral(cm[3]),
			})
		}
	}
	return plan, nil
}

func (q *storeQuery) matches(doc store.Document) bool {
	for _, c := range q.conditions {
		v, ok := doc[c.column]
		if !ok {
			return false
		}
		if !compareStoreValues(v, c.op, c.value) {
			return false
		}
	}
	return true
}

// order sorts matched documents: by the ORDER BY column when given,
// otherwise by id so results are deterministic across map iteration.
func (q *storeQuery) order(docs []store.Document) {
	col := q.orderBy
	if col == "" {
		col = "id"
	}
	sort.SliceStable(docs, func(i, j int) bool {
		less := storeValueLess(docs[i][col], docs[j][col])
		if q.descending {
			return !less && !storeValuesEqual(docs[i][col], docs[j][col])
		}
		return less
	})
}

func compareStoreValues(have any, op, want string) bool {
	if hf, ok := storeNumeric(have); ok {
		if wf, err := strconv.ParseFloat(want, 64); err == nil {
			switch op {
			case "=":
				return hf == wf
			case "!=", "<>":
				return hf != wf
			case ">":
				return hf > wf
			case "<":
				return hf < wf
			case ">=":
				return hf >= wf
			case "<=":
				return hf <= wf
			}
			return false
		}
	}

	hs := fmt.Sprint(have)
	switch op {
	case "=":
		return hs == want
	case "!=", "<>":
		return hs != want
	case ">":
		return hs > want
	case "<":
		return hs < want
	case ">=":
		return hs >= want
	case "<=":
		return hs <= want
	}
	return false
}

func storeValueLess(a, b any) bool {
	af, aok := storeNumeric(a)
	bf, bok := storeNumeric(b)
	if aok && bok {
		return af < bf
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}

func storeValuesEqual(a, b any) bool {
	return !storeValueLess(a, b) && !storeValueLess(b, a)
}

// storeNumeric normalizes the number shapes the store implementations
// produce (JSON round-trips yield float64, the mongo driver can yield ints).
func storeNumeric(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func unquoteStoreLiteral(raw string) string {
	raw = strings.TrimSpace(raw)
	if len(raw) >= 2 {
		if (raw[0] == '\'' && raw[len(raw)-1] == '\'') ||
			(raw[0] == '"' && raw[len(raw)-1] == '"') {
			return raw[1 : len(raw)-1]
		}
	}
	return raw
}
