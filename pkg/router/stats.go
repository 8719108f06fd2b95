package router

// ConnCounts sums the live connection counters for one side of the split.
type ConnCounts struct {
	Active  int32 `json:"active"`
	Idle    int32 `json:"idle"`
	Total   int32 `json:"total"`
	Waiting int32 `json:"waiting"`
	Max     int32 `json:"max"`
}

type QueryCounts struct {
	Total      uint64 `json:"total"`
	Successful uint64 `json:"successful"`
	Failed     uint64 `json:"failed"`
}

type Stats struct {
	Write        ConnCounts  `json:"write"`
	Read         ConnCounts  `json:"read"`
	Queries      QueryCounts `json:"queries"`
	ReadReplicas int         `json:"readReplicas"`
}

// Stats reports current connection counts split by write/read plus the
// cumulative query counters, suitable for external polling.
func (r *Router) Stats() *Stats {
	stats := &Stats{ReadReplicas: len(r.reads)}

	ws := r.write.Stat()
	stats.Write = ConnCounts{
		Active:  ws.AcquiredConns,
		Idle:    ws.IdleConns,
		Total:   ws.TotalConns,
		Waiting: ws.ConstructingConns,
		Max:     ws.MaxConns,
	}
	for _, read := range r.reads {
		rs := read.Stat()
		stats.Read.Active += rs.AcquiredConns
		stats.Read.Idle += rs.IdleConns
		stats.Read.Total += rs.TotalConns
		stats.Read.Waiting += rs.ConstructingConns
		stats.Read.Max += rs.MaxConns
	}

	stats.Queries = QueryCounts{
		Total:      r.queriesTotal.Load(),
		Successful: r.queriesSuccess.Load(),
		Failed:     r.queriesFailed.Load(),
	}
	return stats
}
