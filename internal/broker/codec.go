package broker

import (
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"mt5bridge/internal/domain"
)

// Wire format: every RPC carries a structpb.Struct. Field names follow the
// terminal's own attribute names and times travel as unix seconds, so a
// sidecar in front of the terminal can forward its objects unchanged.

// ---------------------------------------------------------------------------
// Field accessors
// ---------------------------------------------------------------------------

func field(s *structpb.Struct, key string) (*structpb.Value, bool) {
	if s == nil {
		return nil, false
	}
	v, ok := s.GetFields()[key]
	if !ok {
		return nil, false
	}
	if _, null := v.GetKind().(*structpb.Value_NullValue); null {
		return nil, false
	}
	return v, true
}

func num(s *structpb.Struct, key string) float64 {
	if v, ok := field(s, key); ok {
		return v.GetNumberValue()
	}
	return 0
}

func integer(s *structpb.Struct, key string) int64 {
	return int64(num(s, key))
}

func str(s *structpb.Struct, key string) string {
	if v, ok := field(s, key); ok {
		return v.GetStringValue()
	}
	return ""
}

func boolean(s *structpb.Struct, key string) bool {
	if v, ok := field(s, key); ok {
		return v.GetBoolValue()
	}
	return false
}

func unixTime(s *structpb.Struct, key string) time.Time {
	sec := integer(s, key)
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0).UTC()
}

func unixSeconds(t time.Time) float64 {
	if t.IsZero() {
		return 0
	}
	return float64(t.Unix())
}

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// resultOf extracts the "result" member of a response. ok is false when the
// terminal returned no result.
func resultOf(resp *structpb.Struct) (*structpb.Value, bool) {
	return field(resp, "result")
}

func wrapResult(v any) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"result": v})
}

func structList(v *structpb.Value) []*structpb.Struct {
	list := v.GetListValue().GetValues()
	out := make([]*structpb.Struct, 0, len(list))
	for _, item := range list {
		if s := item.GetStructValue(); s != nil {
			out = append(out, s)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// Account
// ---------------------------------------------------------------------------

func encodeAccountInfo(a *domain.AccountInfo) map[string]any {
	return map[string]any{
		"login":         a.Login,
		"server":        a.Server,
		"name":          a.Name,
		"company":       a.Company,
		"currency":      a.Currency,
		"balance":       a.Balance,
		"equity":        a.Equity,
		"margin":        a.Margin,
		"margin_free":   a.MarginFree,
		"margin_level":  a.MarginLevel,
		"profit":        a.Profit,
		"leverage":      a.Leverage,
		"trade_allowed": a.TradeAllowed,
	}
}

func decodeAccountInfo(s *structpb.Struct) *domain.AccountInfo {
	return &domain.AccountInfo{
		Login:        integer(s, "login"),
		Server:       str(s, "server"),
		Name:         str(s, "name"),
		Company:      str(s, "company"),
		Currency:     str(s, "currency"),
		Balance:      num(s, "balance"),
		Equity:       num(s, "equity"),
		Margin:       num(s, "margin"),
		MarginFree:   num(s, "margin_free"),
		MarginLevel:  num(s, "margin_level"),
		Profit:       num(s, "profit"),
		Leverage:     integer(s, "leverage"),
		TradeAllowed: boolean(s, "trade_allowed"),
	}
}

// ---------------------------------------------------------------------------
// Symbols and quotes
// ---------------------------------------------------------------------------

func encodeSymbolInfo(si *domain.SymbolInfo) map[string]any {
	m := map[string]any{
		"name":        si.Name,
		"description": si.Description,
		"visible":     si.Visible,
		"digits":      si.Digits,
		"point":       si.Point,
		"spread":      si.Spread,
		"bid":         si.Bid,
		"ask":         si.Ask,
		"volume_min":  si.VolumeMin,
		"volume_max":  si.VolumeMax,
		"volume_step": si.VolumeStep,
	}
	if si.FillingMask != nil {
		m["filling_mode"] = *si.FillingMask
	}
	return m
}

func decodeSymbolInfo(s *structpb.Struct) *domain.SymbolInfo {
	si := &domain.SymbolInfo{
		Name:        str(s, "name"),
		Description: str(s, "description"),
		Visible:     boolean(s, "visible"),
		Digits:      int(integer(s, "digits")),
		Point:       num(s, "point"),
		Spread:      integer(s, "spread"),
		Bid:         num(s, "bid"),
		Ask:         num(s, "ask"),
		VolumeMin:   num(s, "volume_min"),
		VolumeMax:   num(s, "volume_max"),
		VolumeStep:  num(s, "volume_step"),
	}
	if _, ok := field(s, "filling_mode"); ok {
		mask := int(integer(s, "filling_mode"))
		si.FillingMask = &mask
	}
	return si
}

func encodeTick(t *domain.Tick) map[string]any {
	return map[string]any{
		"time":   unixSeconds(t.Time),
		"bid":    t.Bid,
		"ask":    t.Ask,
		"last":   t.Last,
		"volume": t.Volume,
	}
}

func decodeTick(s *structpb.Struct) *domain.Tick {
	return &domain.Tick{
		Time:   unixTime(s, "time"),
		Bid:    num(s, "bid"),
		Ask:    num(s, "ask"),
		Last:   num(s, "last"),
		Volume: num(s, "volume"),
	}
}

func encodeBar(b domain.Bar) map[string]any {
	return map[string]any{
		"time":        unixSeconds(b.Time),
		"open":        b.Open,
		"high":        b.High,
		"low":         b.Low,
		"close":       b.Close,
		"tick_volume": b.TickVolume,
		"spread":      b.Spread,
		"real_volume": b.RealVolume,
	}
}

func decodeBar(s *structpb.Struct) domain.Bar {
	return domain.Bar{
		Time:       unixTime(s, "time"),
		Open:       num(s, "open"),
		High:       num(s, "high"),
		Low:        num(s, "low"),
		Close:      num(s, "close"),
		TickVolume: integer(s, "tick_volume"),
		Spread:     integer(s, "spread"),
		RealVolume: integer(s, "real_volume"),
	}
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func encodeOrderRequest(r domain.OrderRequest) map[string]any {
	m := map[string]any{
		"action":    r.Action,
		"symbol":    r.Symbol,
		"volume":    r.Volume,
		"type":      int(r.Type),
		"price":     r.Price,
		"deviation": r.Deviation,
		"magic":     r.Magic,
		"comment":   r.Comment,
		"type_time": r.TypeTime,
	}
	if r.SL != 0 {
		m["sl"] = r.SL
	}
	if r.TP != 0 {
		m["tp"] = r.TP
	}
	if r.TypeFilling != nil {
		m["type_filling"] = int(*r.TypeFilling)
	}
	if r.Position != 0 {
		m["position"] = r.Position
	}
	return m
}

func decodeOrderRequest(s *structpb.Struct) domain.OrderRequest {
	r := domain.OrderRequest{
		Action:    int(integer(s, "action")),
		Symbol:    str(s, "symbol"),
		Volume:    num(s, "volume"),
		Type:      domain.OrderSide(integer(s, "type")),
		Price:     num(s, "price"),
		SL:        num(s, "sl"),
		TP:        num(s, "tp"),
		Deviation: int(integer(s, "deviation")),
		Magic:     integer(s, "magic"),
		Comment:   str(s, "comment"),
		TypeTime:  int(integer(s, "type_time")),
		Position:  integer(s, "position"),
	}
	if _, ok := field(s, "type_filling"); ok {
		mode := domain.FillingMode(integer(s, "type_filling"))
		r.TypeFilling = &mode
	}
	return r
}

func encodeOrderResult(r *domain.OrderResult) map[string]any {
	return map[string]any{
		"retcode":    r.Retcode,
		"deal":       r.Deal,
		"order":      r.Order,
		"volume":     r.Volume,
		"price":      r.Price,
		"bid":        r.Bid,
		"ask":        r.Ask,
		"comment":    r.Comment,
		"request_id": r.RequestID,
	}
}

func decodeOrderResult(s *structpb.Struct) *domain.OrderResult {
	return &domain.OrderResult{
		Retcode:   int(integer(s, "retcode")),
		Deal:      integer(s, "deal"),
		Order:     integer(s, "order"),
		Volume:    num(s, "volume"),
		Price:     num(s, "price"),
		Bid:       num(s, "bid"),
		Ask:       num(s, "ask"),
		Comment:   str(s, "comment"),
		RequestID: integer(s, "request_id"),
	}
}

// ---------------------------------------------------------------------------
// Positions and deals
// ---------------------------------------------------------------------------

func encodePosition(p domain.Position) map[string]any {
	return map[string]any{
		"ticket":        p.Ticket,
		"symbol":        p.Symbol,
		"type":          int(p.Type),
		"volume":        p.Volume,
		"price_open":    p.PriceOpen,
		"price_current": p.PriceCurrent,
		"sl":            p.SL,
		"tp":            p.TP,
		"profit":        p.Profit,
		"swap":          p.Swap,
		"magic":         p.Magic,
		"comment":       p.Comment,
		"time":          unixSeconds(p.Time),
	}
}

func decodePosition(s *structpb.Struct) domain.Position {
	return domain.Position{
		Ticket:       integer(s, "ticket"),
		Symbol:       str(s, "symbol"),
		Type:         domain.OrderSide(integer(s, "type")),
		Volume:       num(s, "volume"),
		PriceOpen:    num(s, "price_open"),
		PriceCurrent: num(s, "price_current"),
		SL:           num(s, "sl"),
		TP:           num(s, "tp"),
		Profit:       num(s, "profit"),
		Swap:         num(s, "swap"),
		Magic:        integer(s, "magic"),
		Comment:      str(s, "comment"),
		Time:         unixTime(s, "time"),
	}
}

func encodeDeal(d domain.Deal) map[string]any {
	return map[string]any{
		"ticket":      d.Ticket,
		"order":       d.Order,
		"position_id": d.PositionID,
		"symbol":      d.Symbol,
		"type":        d.Type,
		"entry":       d.Entry,
		"volume":      d.Volume,
		"price":       d.Price,
		"profit":      d.Profit,
		"commission":  d.Commission,
		"swap":        d.Swap,
		"magic":       d.Magic,
		"comment":     d.Comment,
		"time":        unixSeconds(d.Time),
	}
}

func decodeDeal(s *structpb.Struct) domain.Deal {
	return domain.Deal{
		Ticket:     integer(s, "ticket"),
		Order:      integer(s, "order"),
		PositionID: integer(s, "position_id"),
		Symbol:     str(s, "symbol"),
		Type:       int(integer(s, "type")),
		Entry:      int(integer(s, "entry")),
		Volume:     num(s, "volume"),
		Price:      num(s, "price"),
		Profit:     num(s, "profit"),
		Commission: num(s, "commission"),
		Swap:       num(s, "swap"),
		Magic:      integer(s, "magic"),
		Comment:    str(s, "comment"),
		Time:       unixTime(s, "time"),
	}
}
