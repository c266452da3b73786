package admin

type OperationType string

const (
	OpenOperation  OperationType = "open"
	CloseOperation OperationType = "close"
	ViewOperation  OperationType = "view"
)

// Operation is the body of PUT /cells. The content of Operation depends on
// Type and is one of Open, Close or View.
type Operation struct {
	Type      OperationType `json:"type"`
	Operation interface{}   `json:"operation"`
}

type Open struct {
	Cell               string   `mapstructure:"cell"`
	Acceptors          []string `mapstructure:"acceptors"`
	RequestMasterEpoch bool     `mapstructure:"request_master_epoch"`
	ViewID             int      `mapstructure:"view_id"`
}

type Close struct {
	Cell      string `mapstructure:"cell"`
	Surrender bool   `mapstructure:"surrender"`
}

type View struct {
	Cell   string `mapstructure:"cell"`
	ViewID int    `mapstructure:"view_id"`
}
