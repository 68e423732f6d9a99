package statemachine

type table struct {
	order    []Status
	edges    map[Status][]Status
	terminal map[Status]bool
	effects  map[Status]Effects
}

func (t *table) known(s Status) bool {
	for _, o := range t.order {
		if o == s {
			return true
		}
	}
	return false
}

// newTable builds a table from explicit edges. When the vocabulary contains archived, every
// non-archived status gets an edge to it.
func newTable(order []Status, edges map[Status][]Status, terminal []Status, effects map[Status]Effects) *table {
	t := &table{
		order:    order,
		edges:    make(map[Status][]Status, len(order)),
		terminal: make(map[Status]bool, len(terminal)),
		effects:  effects,
	}
	for from, tos := range edges {
		t.edges[from] = append([]Status(nil), tos...)
	}
	for _, s := range terminal {
		t.terminal[s] = true
	}
	if t.known(StatusArchived) {
		for _, s := range order {
			if s != StatusArchived {
				t.edges[s] = append(t.edges[s], StatusArchived)
			}
		}
	}
	return t
}

var tables = map[Kind]*table{
	KindExperiment: newTable(
		[]Status{StatusCreated, StatusRunning, StatusCompleted, StatusFailed, StatusArchived},
		map[Status][]Status{
			StatusCreated: {StatusRunning},
			StatusRunning: {StatusCompleted, StatusFailed},
		},
		[]Status{StatusCompleted, StatusFailed, StatusArchived},
		map[Status]Effects{
			StatusRunning:   {SetStartedAt: true},
			StatusCompleted: {SetEndedAt: true},
			StatusFailed:    {SetEndedAt: true},
			StatusArchived:  {SetArchivedAt: true},
		},
	),
	KindRun: newTable(
		[]Status{StatusCreated, StatusRunning, StatusCompleted, StatusFailed, StatusArchived},
		map[Status][]Status{
			StatusCreated: {StatusRunning},
			StatusRunning: {StatusCompleted, StatusFailed},
		},
		[]Status{StatusCompleted, StatusFailed, StatusArchived},
		map[Status]Effects{
			StatusRunning:   {SetStartedAt: true},
			StatusCompleted: {SetEndedAt: true, ComputeDuration: true},
			StatusFailed:    {SetEndedAt: true, ComputeDuration: true},
			StatusArchived:  {SetArchivedAt: true},
		},
	),
	KindCaptureSession: newTable(
		[]Status{StatusDraft, StatusRunning, StatusBackfilling, StatusSucceeded, StatusFailed, StatusArchived},
		map[Status][]Status{
			StatusDraft:       {StatusRunning},
			StatusRunning:     {StatusBackfilling, StatusSucceeded, StatusFailed},
			StatusBackfilling: {StatusSucceeded, StatusFailed},
		},
		[]Status{StatusSucceeded, StatusFailed, StatusArchived},
		map[Status]Effects{
			StatusRunning:   {SetStartedAt: true},
			StatusSucceeded: {SetEndedAt: true},
			StatusFailed:    {SetEndedAt: true},
			StatusArchived:  {SetArchivedAt: true},
		},
	),
	KindSensor: newTable(
		[]Status{StatusRegistering, StatusActive, StatusInactive, StatusDecommissioned},
		map[Status][]Status{
			StatusRegistering: {StatusActive, StatusDecommissioned},
			StatusActive:      {StatusInactive, StatusDecommissioned},
			StatusInactive:    {StatusActive, StatusDecommissioned},
		},
		[]Status{StatusDecommissioned},
		map[Status]Effects{},
	),
	KindConversionProfile: newTable(
		[]Status{StatusDraft, StatusScheduled, StatusActive, StatusDeprecated},
		map[Status][]Status{
			StatusDraft:     {StatusScheduled, StatusActive, StatusDeprecated},
			StatusScheduled: {StatusActive, StatusDeprecated},
			StatusActive:    {StatusDeprecated},
		},
		[]Status{StatusDeprecated},
		map[Status]Effects{
			StatusActive:     {SetStartedAt: true},
			StatusDeprecated: {SetEndedAt: true},
		},
	),
}
