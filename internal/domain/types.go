// Package domain defines the market-data types shared across limitboard:
// pool observations, company profiles and pool kinds.
package domain

import "fmt"

// PoolKind names one of the daily stock pools published by the upstream API.
type PoolKind string

const (
	PoolLimitUp   PoolKind = "limit-up"
	PoolLimitDown PoolKind = "limit-down"
	PoolStrong    PoolKind = "strong"
)

// ParsePoolKind validates a pool name.
func ParsePoolKind(s string) (PoolKind, error) {
	switch k := PoolKind(s); k {
	case PoolLimitUp, PoolLimitDown, PoolStrong:
		return k, nil
	default:
		return "", fmt.Errorf("unknown pool %q", s)
	}
}

// PoolEntry is one observation of a ticker in a limit-up, limit-down or
// strong-stock pool. Field names follow the upstream API.
type PoolEntry struct {
	Code          string  `json:"dm"`
	Name          string  `json:"mc"`
	Price         float64 `json:"p"`
	ChangePct     float64 `json:"zf"`
	Amount        float64 `json:"cje"`           // turnover (CNY)
	FloatCap      float64 `json:"lt"`            // float market cap (CNY)
	TotalCap      float64 `json:"zsz"`           // total market cap (CNY)
	TurnoverRate  float64 `json:"hs"`            // %
	Streak        int     `json:"lbc,omitempty"` // consecutive limit boards
	FirstLockTime string  `json:"fbt,omitempty"` // HHmmss
	LastLockTime  string  `json:"lbt,omitempty"`
	LockFunds     float64 `json:"zj,omitempty"`  // funds on the limit price
	BreakCount    int     `json:"zbc,omitempty"` // times the board opened
	Stats         string  `json:"tj,omitempty"`  // "x days / y boards"

	// Limit-down pool only.
	PE        float64 `json:"pe,omitempty"`
	LockSales float64 `json:"fba,omitempty"`

	// Strong-stock pool only.
	LimitPrice float64 `json:"ztp,omitempty"`
	Speed      float64 `json:"zs,omitempty"`
	NewHigh    int     `json:"nh,omitempty"`
	VolRatio   float64 `json:"lb,omitempty"`
}

// CompanyProfile is the static company metadata served by the upstream
// profile endpoint. The API delivers every value as a string.
type CompanyProfile struct {
	Name          string `json:"name"`
	EnglishName   string `json:"ename,omitempty"`
	Market        string `json:"market,omitempty"`
	Concepts      string `json:"idea,omitempty"`
	ListingDate   string `json:"ldate,omitempty"`
	IssuePrice    string `json:"sprice,omitempty"`
	Underwriter   string `json:"principal,omitempty"`
	FoundDate     string `json:"rdate,omitempty"`
	RegCapital    string `json:"rprice,omitempty"`
	InstType      string `json:"instype,omitempty"`
	Organ         string `json:"organ,omitempty"`
	Secretary     string `json:"secre,omitempty"`
	Phone         string `json:"phone,omitempty"`
	SecPhone      string `json:"sphone,omitempty"`
	Fax           string `json:"fax,omitempty"`
	SecFax        string `json:"sfax,omitempty"`
	Email         string `json:"email,omitempty"`
	SecEmail      string `json:"semail,omitempty"`
	Site          string `json:"site,omitempty"`
	PostCode      string `json:"post,omitempty"`
	InfoSite      string `json:"infosite,omitempty"`
	FormerName    string `json:"oname,omitempty"`
	Address       string `json:"addr,omitempty"`
	OfficeAddress string `json:"oaddr,omitempty"`
	Description   string `json:"desc,omitempty"`
	BizScope      string `json:"bscope,omitempty"`
	IssueType     string `json:"printype,omitempty"`
	Referrer      string `json:"referrer,omitempty"`
	ListingType   string `json:"putype,omitempty"`
	IssuePE       string `json:"pe,omitempty"`
	FirstOpen     string `json:"firgu,omitempty"`
	FirstClose    string `json:"lastgu,omitempty"`
	ActualShares  string `json:"realgu,omitempty"`
	PlannedRaise  string `json:"planm,omitempty"`
	ActualRaise   string `json:"realm,omitempty"`
	IssueFee      string `json:"pubfee,omitempty"`
	Collect       string `json:"collect,omitempty"`
	SignFee       string `json:"signfee,omitempty"`
	PubDate       string `json:"pdate,omitempty"`
	Industry      string `json:"hy,omitempty"`
}
