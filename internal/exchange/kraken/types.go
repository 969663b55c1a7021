package kraken

import "encoding/json"

// Every Kraken REST response carries this envelope; a non-empty error list
// means the call failed regardless of HTTP status.
type apiResponse struct {
	Error  []string        `json:"error"`
	Result json.RawMessage `json:"result"`
}

type serverTimeResult struct {
	UnixTime int64 `json:"unixtime"`
}

type addOrderResult struct {
	Descr struct {
		Order string `json:"order"`
	} `json:"descr"`
	Txid []string `json:"txid"`
}

type orderInfo struct {
	Status  string `json:"status"`
	Vol     string `json:"vol"`
	VolExec string `json:"vol_exec"`
	Price   string `json:"price"`
	Descr   struct {
		Pair      string `json:"pair"`
		Type      string `json:"type"`
		OrderType string `json:"ordertype"`
		Price     string `json:"price"`
	} `json:"descr"`
}

type cancelOrderResult struct {
	Count int `json:"count"`
}

type assetPairInfo struct {
	OrderMin    string `json:"ordermin"`
	CostMin     string `json:"costmin"`
	TickSize    string `json:"tick_size"`
	LotDecimals int    `json:"lot_decimals"`
	Base        string `json:"base"`
	Quote       string `json:"quote"`
}

// OHLC rows are heterogeneous arrays: [time, open, high, low, close, vwap,
// volume, count] with prices as strings.
type ohlcResult map[string]json.RawMessage
