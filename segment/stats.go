package segment

// StatsSchemaVersion is the current RunStatistics schema. Version 1 predates
// the Jaccard history; loading such statistics fills the missing fields
// explicitly instead of ignoring them.
const StatsSchemaVersion = 2

// Snapshot is one log-interval entry of aggregate statistics.
type Snapshot struct {
	Loss             float64   `json:"loss"`
	Accuracy         float64   `json:"accuracy"`
	Jaccard          float64   `json:"jaccard"`
	PerClassLoss     []float64 `json:"per_class_loss,omitempty"`
	PerClassAccuracy []float64 `json:"per_class_accuracy,omitempty"`
}

// RunStatistics is the append-only history of a training or evaluation run.
// It is an explicit value passed into the loop controller and persisted with
// checkpoints; it is not attached to the model.
type RunStatistics struct {
	SchemaVersion int        `json:"schema_version"`
	Snapshots     []Snapshot `json:"snapshots"`
}

// NewRunStatistics returns empty statistics at the current schema version.
func NewRunStatistics() *RunStatistics {
	return &RunStatistics{SchemaVersion: StatsSchemaVersion}
}

// Append records one snapshot.
func (rs *RunStatistics) Append(s Snapshot) {
	rs.Snapshots = append(rs.Snapshots, s)
}

// Len returns the number of recorded snapshots.
func (rs *RunStatistics) Len() int { return len(rs.Snapshots) }

// Migrate upgrades statistics written by older schema versions. Snapshots
// from before the Jaccard history carry a zero Jaccard value; the migration
// makes that explicit by bumping the schema version once the default fill is
// in place.
func (rs *RunStatistics) Migrate() {
	if rs.SchemaVersion >= StatsSchemaVersion {
		return
	}
	for i := range rs.Snapshots {
		if rs.Snapshots[i].PerClassLoss == nil {
			rs.Snapshots[i].PerClassLoss = []float64{}
		}
		if rs.Snapshots[i].PerClassAccuracy == nil {
			rs.Snapshots[i].PerClassAccuracy = []float64{}
		}
	}
	rs.SchemaVersion = StatsSchemaVersion
}
