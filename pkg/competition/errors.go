package competition

import "errors"

// ErrNoMarketData means a stage's scoring window has no backing data to
// compute dimension scores from (the plugin-ingested market data this
// package reads is outside this package's control).
var ErrNoMarketData = errors.New("no market data available for scoring window")
