package session

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/ChuLiYu/geo-sampler/pkg/types"
	"github.com/PuerkitoBio/goquery"
)

// Selectors 頁面結構設定，各清單依優先順序嘗試
type Selectors struct {
	// 反機器人驗證頁面
	DetectionForms  []string `yaml:"detection_forms"`
	DetectionTitles []string `yaml:"detection_titles"` // 標題包含（不分大小寫）
	DetectionTexts  []string `yaml:"detection_texts"`  // 內文包含

	// 切換位置的彈出視窗
	LocationTrigger []string `yaml:"location_trigger"`
	LocationInput   []string `yaml:"location_input"`
	LocationApply   []string `yaml:"location_apply"`
	LocationDone    []string `yaml:"location_done"`
	LocationClose   []string `yaml:"location_close"`

	// featured offer
	SellerLink   []string `yaml:"seller_link"`   // 直接取文字
	MerchantInfo []string `yaml:"merchant_info"` // 解析 "Sold by X and ..."
	OfferBlocks  []string `yaml:"offer_blocks"`  // 在區塊文字中搜尋 "Sold by"
	Quantity     []string `yaml:"quantity"`      // 數量下拉選單的 option
}

// DefaultSelectors 目前市集頁面的預設 selector
func DefaultSelectors() Selectors {
	return Selectors{
		DetectionForms:  []string{`form[action="/errors/validateCaptcha"]`},
		DetectionTitles: []string{"robot check"},
		DetectionTexts:  []string{"Type the characters you see"},

		LocationTrigger: []string{"#nav-global-location-popover-link", "#glow-ingress-block", `[data-nav-role="flyout_trigger"]`},
		LocationInput:   []string{"#GLUXZipUpdateInput", `input[data-action="GLUXPostalInputAction"]`},
		LocationApply:   []string{`#GLUXZipUpdate input[type="submit"]`, "#GLUXZipUpdate .a-button-input", `[data-action="GLUXPostalUpdateAction"]`, "#GLUXZipUpdate .a-button"},
		LocationDone:    []string{".a-popover-footer .a-button-primary .a-button-input", "#GLUXConfirmClose", ".a-popover-footer button"},
		LocationClose:   []string{".a-popover-close"},

		SellerLink:   []string{"#sellerProfileTriggerId"},
		MerchantInfo: []string{"#merchant-info"},
		OfferBlocks:  []string{"#tabular-buybox", "#buyBoxAccordion", "#rightCol"},
		Quantity:     []string{"select#quantity option", "#quantity option"},
	}
}

var (
	merchantSoldBy = regexp.MustCompile(`(?i)(?:Sold|Shipped)\s+by\s+(.+?)(?:\s+and\s+|\s*\.|\s*$)`)
	blockSoldBy    = regexp.MustCompile(`(?i)sold\s+by\s*[:\s]*(.+?)(?:\s+and\s+|\n|\r|$)`)
)

// Extractor 以 goquery 解析渲染後的 HTML
type Extractor struct {
	sel Selectors
}

// NewExtractor 建立擷取器；未設定的清單使用預設值
func NewExtractor(sel Selectors) *Extractor {
	return &Extractor{sel: mergeSelectors(sel, DefaultSelectors())}
}

// Selectors 實際使用的 selector
func (e *Extractor) Selectors() Selectors {
	return e.sel
}

// Parse 將 HTML 解析為 goquery 文件
func Parse(html string) (*goquery.Document, error) {
	return goquery.NewDocumentFromReader(strings.NewReader(html))
}

// IsDetection 頁面是否為反機器人驗證頁
func (e *Extractor) IsDetection(doc *goquery.Document) bool {
	for _, s := range e.sel.DetectionForms {
		if doc.Find(s).Length() > 0 {
			return true
		}
	}
	title := strings.ToLower(doc.Find("title").First().Text())
	for _, t := range e.sel.DetectionTitles {
		if t != "" && strings.Contains(title, strings.ToLower(t)) {
			return true
		}
	}
	body := doc.Find("body").Text()
	for _, t := range e.sel.DetectionTexts {
		if t != "" && strings.Contains(body, t) {
			return true
		}
	}
	return false
}

// FirstPresent 回傳第一個在頁面上存在的 selector
func FirstPresent(doc *goquery.Document, candidates []string) (string, bool) {
	for _, s := range candidates {
		if doc.Find(s).Length() > 0 {
			return s, true
		}
	}
	return "", false
}

// Extract 從商品頁讀取 featured offer
//
// 依序嘗試：賣家連結、merchant info 文字解析、offer 區塊中的 "Sold by"。
// 找不到賣家時回傳 UNKNOWN（ok=true）。
func (e *Extractor) Extract(html, sellerName string) Response {
	doc, err := Parse(html)
	if err != nil {
		return Response{OK: false, Status: types.StatusExtractFailed, Error: fmt.Sprintf("parse page: %v", err)}
	}
	if e.IsDetection(doc) {
		return Response{OK: false, Status: types.StatusDetection, Error: "verification page detected"}
	}

	soldBy, notes := e.findSeller(doc)
	resp := Response{
		OK:                true,
		Status:            types.StatusOK,
		SoldBy:            soldBy,
		QuantityAvailable: e.findQuantity(doc),
		Notes:             notes,
	}

	if soldBy == "" {
		resp.Status = types.StatusUnknown
		resp.Notes = "Could not find seller info on page"
		return resp
	}
	if sellerName != "" {
		resp.IsOwn = strings.Contains(strings.ToLower(soldBy), strings.ToLower(sellerName))
	}
	return resp
}

func (e *Extractor) findSeller(doc *goquery.Document) (string, string) {
	for _, s := range e.sel.SellerLink {
		if text := strings.TrimSpace(doc.Find(s).First().Text()); text != "" {
			return text, "via " + s
		}
	}

	for _, s := range e.sel.MerchantInfo {
		sel := doc.Find(s).First()
		if sel.Length() == 0 {
			continue
		}
		text := strings.TrimSpace(sel.Text())
		if m := merchantSoldBy.FindStringSubmatch(text); m != nil {
			return strings.TrimSpace(m[1]), "via " + s + " parse"
		}
		if text != "" {
			return text, "via " + s + " raw"
		}
	}

	for _, s := range e.sel.OfferBlocks {
		sel := doc.Find(s).First()
		if sel.Length() == 0 {
			continue
		}
		if m := blockSoldBy.FindStringSubmatch(sel.Text()); m != nil {
			if v := strings.TrimSpace(m[1]); v != "" {
				return v, "via " + s + " parse"
			}
		}
	}
	return "", ""
}

// findQuantity 取數量下拉選單的最後一個選項（可購買的最大數量）
func (e *Extractor) findQuantity(doc *goquery.Document) string {
	for _, s := range e.sel.Quantity {
		opts := doc.Find(s)
		if opts.Length() == 0 {
			continue
		}
		last := opts.Last()
		if v, ok := last.Attr("value"); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
		return strings.TrimSpace(last.Text())
	}
	return ""
}

func mergeSelectors(s, def Selectors) Selectors {
	pick := func(v, d []string) []string {
		if len(v) > 0 {
			return v
		}
		return d
	}
	return Selectors{
		DetectionForms:  pick(s.DetectionForms, def.DetectionForms),
		DetectionTitles: pick(s.DetectionTitles, def.DetectionTitles),
		DetectionTexts:  pick(s.DetectionTexts, def.DetectionTexts),
		LocationTrigger: pick(s.LocationTrigger, def.LocationTrigger),
		LocationInput:   pick(s.LocationInput, def.LocationInput),
		LocationApply:   pick(s.LocationApply, def.LocationApply),
		LocationDone:    pick(s.LocationDone, def.LocationDone),
		LocationClose:   pick(s.LocationClose, def.LocationClose),
		SellerLink:      pick(s.SellerLink, def.SellerLink),
		MerchantInfo:    pick(s.MerchantInfo, def.MerchantInfo),
		OfferBlocks:     pick(s.OfferBlocks, def.OfferBlocks),
		Quantity:        pick(s.Quantity, def.Quantity),
	}
}
