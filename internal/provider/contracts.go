package provider

import (
	"regexp"
	"strings"
)

// pointValues is the currency value of a one point move for one contract.
var pointValues = map[string]float64{
	"ES": 50, "MES": 5,
	"NQ": 20, "MNQ": 2,
	"YM": 5, "MYM": 0.5,
	"RTY": 50, "M2K": 5,
	"CL": 1000, "MCL": 100, "QM": 500,
	"NG": 10000, "QG": 2500,
	"GC": 100, "MGC": 10,
	"SI": 5000, "SIL": 1000,
	"HG": 25000, "MHG": 2500,
	"PL": 50,
	"ZB": 1000, "ZN": 1000, "ZF": 1000, "ZT": 2000, "UB": 1000,
	"ZC": 50, "ZS": 50, "ZW": 50,
	"HE": 400, "LE": 400,
	"6E": 125000, "M6E": 12500,
	"6B": 62500, "6A": 100000, "6C": 100000, "6J": 12500000, "6S": 125000,
	"BTC": 5, "MBT": 0.1, "ETH": 50, "MET": 0.1,
}

// projectXRoots maps ProjectX product codes onto exchange roots.
var projectXRoots = map[string]string{
	"EP": "ES", "ENQ": "NQ", "CLE": "CL", "GCE": "GC", "SIE": "SI",
	"NGE": "NG", "CPE": "HG", "EU6": "6E", "BP6": "6B", "JY6": "6J",
	"YM": "YM", "RTY": "RTY", "MES": "MES", "MNQ": "MNQ", "M2K": "M2K",
	"MYM": "MYM", "MCLE": "MCL", "MGC": "MGC", "US": "ZB", "TYA": "ZN",
}

var contractPattern = regexp.MustCompile(`^(.+?)[FGHJKMNQUVXZ]\d{1,2}$`)

// ContractRoot strips the month and year code from a futures symbol:
// "MNQH25" and "NQH5" yield "MNQ" and "NQ". ProjectX contract ids such as
// "CON.F.US.ENQ.H25" are mapped to their exchange root.
func ContractRoot(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if strings.HasPrefix(s, "CON.") {
		parts := strings.Split(s, ".")
		if len(parts) >= 4 {
			if root, ok := projectXRoots[parts[3]]; ok {
				return root
			}
			return parts[3]
		}
	}
	if m := contractPattern.FindStringSubmatch(s); m != nil {
		return m[1]
	}
	return s
}

// PointValue returns the point value of symbol's contract, or 1 when the
// contract is unknown so pnl degrades to price points.
func PointValue(symbol string) float64 {
	if v, ok := pointValues[ContractRoot(symbol)]; ok {
		return v
	}
	return 1
}
