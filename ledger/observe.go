package ledger

// Recorder receives engine outcomes for metrics. telemetry.Metrics implements it.
type Recorder interface {
	EntryRecorded(kind string)
	Settled(source string, amount float64)
	SettleFailed(reason string)
	Reversed(outcome string)
	PartialWrite(op string)
}

type nopRecorder struct{}

func (nopRecorder) EntryRecorded(string) {}
func (nopRecorder) Settled(string, float64) {}
func (nopRecorder) SettleFailed(string) {}
func (nopRecorder) Reversed(string) {}
func (nopRecorder) PartialWrite(string) {}
