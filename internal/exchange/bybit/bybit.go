// Package bybit implements core.IExchange against Bybit V5's linear-perpetual
// REST surface.
package bybit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"tpslguard/internal/config"
	"tpslguard/internal/core"
	"tpslguard/internal/exchange/base"
	apperrors "tpslguard/pkg/errors"
)

const defaultBybitURL = "https://api.bybit.com"

// Exchange implements core.IExchange for one Bybit account (main or mirror).
type Exchange struct {
	*base.BaseAdapter
	account core.Account

	mu         sync.RWMutex
	instrument map[string]core.InstrumentInfo
}

// New builds a Bybit exchange client bound to account, signing every request
// with cfg's credentials.
func New(account core.Account, cfg *config.ExchangeConfig, logger core.ILogger) *Exchange {
	e := &Exchange{
		BaseAdapter: base.NewBaseAdapter("bybit", cfg, logger),
		account:     account,
		instrument:  make(map[string]core.InstrumentInfo),
	}
	e.SetSignRequest(e.signRequest)
	e.SetParseError(e.parseError)
	return e
}

func (e *Exchange) Account() core.Account { return e.account }

func (e *Exchange) baseURL() string {
	if e.Config.BaseURL != "" {
		return e.Config.BaseURL
	}
	return defaultBybitURL
}

// signRequest implements Bybit V5 HMAC signing: sign(timestamp + key + recv_window + body).
func (e *Exchange) signRequest(req *http.Request, body []byte) error {
	timestamp := fmt.Sprintf("%d", time.Now().UnixMilli())
	recvWindow := "5000"

	payload := timestamp + string(e.Config.APIKey) + recvWindow + string(body)
	mac := hmac.New(sha256.New, []byte(string(e.Config.SecretKey)))
	mac.Write([]byte(payload))
	signature := hex.EncodeToString(mac.Sum(nil))

	req.Header.Set("X-BAPI-API-KEY", string(e.Config.APIKey))
	req.Header.Set("X-BAPI-SIGN", signature)
	req.Header.Set("X-BAPI-TIMESTAMP", timestamp)
	req.Header.Set("X-BAPI-RECV-WINDOW", recvWindow)
	req.Header.Set("Content-Type", "application/json")
	return nil
}

// parseError maps Bybit's retCode to the §4.1 result category, wrapped as an
// apperrors.Kind so retry policy (§7) can decide without inspecting strings.
func (e *Exchange) parseError(body []byte) error {
	var resp struct {
		RetCode int    `json:"retCode"`
		RetMsg  string `json:"retMsg"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return apperrors.New(apperrors.KindTransient, "bybit.parseError", fmt.Errorf("unmarshal: %s", string(body)))
	}
	switch resp.RetCode {
	case 0:
		return nil
	case 10006:
		return apperrors.New(apperrors.KindTransient, "bybit", apperrors.ErrRateLimitExceeded)
	case 10001, 10002, 130006:
		return apperrors.New(apperrors.KindFatal, "bybit", apperrors.ErrInvalidOrderParameter)
	case 10003, 10004:
		return apperrors.New(apperrors.KindFatal, "bybit", apperrors.ErrAuthenticationFailed)
	case 110001, 110006, 20001:
		return apperrors.New(apperrors.KindAlreadyGone, "bybit", apperrors.ErrOrderNotFound)
	case 110007:
		return apperrors.New(apperrors.KindFatal, "bybit", apperrors.ErrInsufficientFunds)
	case 110008, 110010, 110012:
		return apperrors.New(apperrors.KindAlreadyGone, "bybit", apperrors.ErrOrderNotFound)
	case 110021:
		return apperrors.New(apperrors.KindDuplicateLinkID, "bybit", apperrors.ErrDuplicateOrder)
	default:
		if resp.RetCode >= 500 {
			return apperrors.New(apperrors.KindTransient, "bybit", fmt.Errorf("%s (%d)", resp.RetMsg, resp.RetCode))
		}
		return apperrors.New(apperrors.KindFatal, "bybit", fmt.Errorf("%s (%d)", resp.RetMsg, resp.RetCode))
	}
}

func isAlreadyGone(err error) bool {
	kind, ok := apperrors.KindOf(err)
	return ok && kind == apperrors.KindAlreadyGone
}

func mapOrderStatus(raw string) core.OrderStatus {
	switch raw {
	case "Created", "New", "Untriggered":
		return core.OrderStatusNew
	case "PartiallyFilled":
		return core.OrderStatusPartiallyFilled
	case "Filled":
		return core.OrderStatusFilled
	case "Cancelled", "Deactivated":
		return core.OrderStatusCancelled
	case "Rejected":
		return core.OrderStatusRejected
	default:
		return core.OrderStatusUnknown
	}
}

func parseSide(raw string) core.Side {
	if strings.EqualFold(raw, "Buy") {
		return core.SideBuy
	}
	return core.SideSell
}

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// GetAllPositions implements core.IExchange.
func (e *Exchange) GetAllPositions(ctx context.Context) ([]core.Position, error) {
	body, err := e.ExecuteRequest(ctx, http.MethodGet, e.baseURL()+"/v5/position/list?category=linear", nil)
	if err != nil {
		return nil, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol     string `json:"symbol"`
				Side       string `json:"side"`
				Size       string `json:"size"`
				AvgPrice   string `json:"avgPrice"`
				MarkPrice  string `json:"markPrice"`
				UpdateTime string `json:"updatedTime"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.New(apperrors.KindTransient, "bybit.GetAllPositions", err)
	}

	out := make([]core.Position, 0, len(resp.Result.List))
	for _, raw := range resp.Result.List {
		size := dec(raw.Size)
		if size.IsZero() {
			continue
		}
		ts, _ := strconv.ParseInt(raw.UpdateTime, 10, 64)
		out = append(out, core.Position{
			Symbol:     raw.Symbol,
			Side:       parseSide(raw.Side),
			Size:       size,
			EntryPrice: dec(raw.AvgPrice),
			MarkPrice:  dec(raw.MarkPrice),
			UpdateTime: time.UnixMilli(ts),
		})
	}
	return out, nil
}

// GetAllOpenOrders implements core.IExchange.
func (e *Exchange) GetAllOpenOrders(ctx context.Context) ([]core.Order, error) {
	body, err := e.ExecuteRequest(ctx, http.MethodGet, e.baseURL()+"/v5/order/realtime?category=linear&settleCoin=USDT", nil)
	if err != nil {
		return nil, err
	}
	return e.decodeOrderList(body)
}

// GetOrderHistory implements core.IExchange.
func (e *Exchange) GetOrderHistory(ctx context.Context, symbol string, since time.Time) ([]core.Order, error) {
	url := fmt.Sprintf("%s/v5/order/history?category=linear&symbol=%s&startTime=%d", e.baseURL(), symbol, since.UnixMilli())
	body, err := e.ExecuteRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	return e.decodeOrderList(body)
}

func (e *Exchange) decodeOrderList(body []byte) ([]core.Order, error) {
	var resp struct {
		Result struct {
			List []struct {
				OrderID        string `json:"orderId"`
				OrderLinkID    string `json:"orderLinkId"`
				Symbol         string `json:"symbol"`
				Side           string `json:"side"`
				OrderType      string `json:"orderType"`
				OrderStatus    string `json:"orderStatus"`
				Price          string `json:"price"`
				TriggerPrice   string `json:"triggerPrice"`
				Qty            string `json:"qty"`
				CumExecQty     string `json:"cumExecQty"`
				AvgPrice       string `json:"avgPrice"`
				ReduceOnly     bool   `json:"reduceOnly"`
				CloseOnTrigger bool   `json:"closeOnTrigger"`
				StopOrderType  string `json:"stopOrderType"`
				CreatedTime    string `json:"createdTime"`
				UpdatedTime    string `json:"updatedTime"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, apperrors.New(apperrors.KindTransient, "bybit.decodeOrderList", err)
	}

	out := make([]core.Order, 0, len(resp.Result.List))
	for _, raw := range resp.Result.List {
		createdTs, _ := strconv.ParseInt(raw.CreatedTime, 10, 64)
		updatedTs, _ := strconv.ParseInt(raw.UpdatedTime, 10, 64)

		orderType := core.OrderTypeLimit
		if raw.OrderType == "Market" {
			orderType = core.OrderTypeMarket
		}
		stopType := core.StopOrderNone
		switch raw.StopOrderType {
		case "StopLoss":
			stopType = core.StopOrderStopLoss
		case "TakeProfit":
			stopType = core.StopOrderTakeProfit
		}

		out = append(out, core.Order{
			OrderID:        raw.OrderID,
			OrderLinkID:    raw.OrderLinkID,
			Symbol:         raw.Symbol,
			Side:           parseSide(raw.Side),
			Type:           orderType,
			Status:         mapOrderStatus(raw.OrderStatus),
			Price:          dec(raw.Price),
			TriggerPrice:   dec(raw.TriggerPrice),
			Qty:            dec(raw.Qty),
			CumExecQty:     dec(raw.CumExecQty),
			AvgPrice:       dec(raw.AvgPrice),
			ReduceOnly:     raw.ReduceOnly,
			CloseOnTrigger: raw.CloseOnTrigger,
			StopOrderType:  stopType,
			CreatedAt:      time.UnixMilli(createdTs),
			UpdatedAt:      time.UnixMilli(updatedTs),
		})
	}
	return out, nil
}

// PlaceOrder implements core.IExchange. TP orders are Limit+reduce-only; SL
// orders are Market with a trigger, reduce-only, close-on-trigger (§4.1).
func (e *Exchange) PlaceOrder(ctx context.Context, params core.PlaceOrderParams) (core.OrderResult, error) {
	body := map[string]interface{}{
		"category":    "linear",
		"symbol":      params.Symbol,
		"side":        string(params.Side),
		"orderType":   string(params.Type),
		"qty":         params.Qty.String(),
		"orderLinkId": params.OrderLinkID,
	}
	if params.Type == core.OrderTypeLimit {
		body["price"] = params.Price.String()
		body["timeInForce"] = "GTC"
	} else {
		body["timeInForce"] = "IOC"
	}
	if params.ReduceOnly {
		body["reduceOnly"] = true
	}
	if params.CloseOnTrigger {
		body["closeOnTrigger"] = true
	}
	if params.StopOrderType != core.StopOrderNone {
		body["triggerPrice"] = params.TriggerPrice.String()
		body["triggerDirection"] = int(params.TriggerDirection)
		body["stopOrderType"] = string(params.StopOrderType)
		body["orderFilter"] = "StopOrder"
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return core.OrderResult{}, apperrors.New(apperrors.KindFatal, "bybit.PlaceOrder", err)
	}

	respBody, err := e.ExecuteRequest(ctx, http.MethodPost, e.baseURL()+"/v5/order/create", jsonBody)
	if err != nil {
		return core.OrderResult{Category: categoryFor(err)}, err
	}

	var resp struct {
		Result struct {
			OrderID     string `json:"orderId"`
			OrderLinkID string `json:"orderLinkId"`
		} `json:"result"`
	}
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return core.OrderResult{}, apperrors.New(apperrors.KindTransient, "bybit.PlaceOrder", err)
	}

	return core.OrderResult{
		Order: core.Order{
			OrderID:        resp.Result.OrderID,
			OrderLinkID:    resp.Result.OrderLinkID,
			Symbol:         params.Symbol,
			Side:           params.Side,
			Type:           params.Type,
			Status:         core.OrderStatusNew,
			Price:          params.Price,
			TriggerPrice:   params.TriggerPrice,
			Qty:            params.Qty,
			ReduceOnly:     params.ReduceOnly,
			CloseOnTrigger: params.CloseOnTrigger,
			StopOrderType:  params.StopOrderType,
			CreatedAt:      time.Now(),
		},
		Category: core.CategoryOK,
	}, nil
}

// AmendOrder implements core.IExchange.
func (e *Exchange) AmendOrder(ctx context.Context, orderLinkID string, params core.PlaceOrderParams) (core.OrderResult, error) {
	body := map[string]interface{}{
		"category":    "linear",
		"symbol":      params.Symbol,
		"orderLinkId": orderLinkID,
		"qty":         params.Qty.String(),
	}
	if params.Type == core.OrderTypeLimit {
		body["price"] = params.Price.String()
	}
	if params.StopOrderType != core.StopOrderNone {
		body["triggerPrice"] = params.TriggerPrice.String()
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return core.OrderResult{}, apperrors.New(apperrors.KindFatal, "bybit.AmendOrder", err)
	}

	_, err = e.ExecuteRequest(ctx, http.MethodPost, e.baseURL()+"/v5/order/amend", jsonBody)
	if err != nil {
		return core.OrderResult{Category: categoryFor(err)}, err
	}

	return core.OrderResult{
		Order: core.Order{
			OrderLinkID:  orderLinkID,
			Symbol:       params.Symbol,
			Qty:          params.Qty,
			Price:        params.Price,
			TriggerPrice: params.TriggerPrice,
		},
		Category: core.CategoryOK,
	}, nil
}

// CancelOrder implements core.IExchange. AlreadyGone is treated as success.
// Bybit's cancel endpoint requires symbol; link IDs are generated with the
// symbol embedded (internal/linkid), so it is recovered from there rather
// than widening this interface beyond the §4.1 contract.
func (e *Exchange) CancelOrder(ctx context.Context, orderLinkID string) (bool, error) {
	symbol := symbolFromLinkID(orderLinkID)
	body, err := json.Marshal(map[string]interface{}{
		"category":    "linear",
		"symbol":      symbol,
		"orderLinkId": orderLinkID,
	})
	if err != nil {
		return false, apperrors.New(apperrors.KindFatal, "bybit.CancelOrder", err)
	}

	_, err = e.ExecuteRequest(ctx, http.MethodPost, e.baseURL()+"/v5/order/cancel", body)
	if err != nil {
		if isAlreadyGone(err) {
			return true, nil
		}
		return false, err
	}
	return true, nil
}

// GetInstrumentInfo implements core.IExchange, caching results per symbol.
func (e *Exchange) GetInstrumentInfo(ctx context.Context, symbol string) (core.InstrumentInfo, error) {
	e.mu.RLock()
	if info, ok := e.instrument[symbol]; ok {
		e.mu.RUnlock()
		return info, nil
	}
	e.mu.RUnlock()

	url := fmt.Sprintf("%s/v5/market/instruments-info?category=linear&symbol=%s", e.baseURL(), symbol)
	body, err := e.ExecuteRequest(ctx, http.MethodGet, url, nil)
	if err != nil {
		return core.InstrumentInfo{}, err
	}

	var resp struct {
		Result struct {
			List []struct {
				Symbol      string `json:"symbol"`
				PriceScale  string `json:"priceScale"`
				PriceFilter struct {
					TickSize string `json:"tickSize"`
				} `json:"priceFilter"`
				LotSizeFilter struct {
					QtyStep     string `json:"qtyStep"`
					MinOrderQty string `json:"minOrderQty"`
				} `json:"lotSizeFilter"`
			} `json:"list"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.InstrumentInfo{}, apperrors.New(apperrors.KindTransient, "bybit.GetInstrumentInfo", err)
	}
	if len(resp.Result.List) == 0 {
		return core.InstrumentInfo{}, apperrors.New(apperrors.KindFatal, "bybit.GetInstrumentInfo", errors.New("unknown symbol"))
	}

	raw := resp.Result.List[0]
	priceScale, _ := strconv.Atoi(raw.PriceScale)
	info := core.InstrumentInfo{
		Symbol:     raw.Symbol,
		QtyStep:    dec(raw.LotSizeFilter.QtyStep),
		MinQty:     dec(raw.LotSizeFilter.MinOrderQty),
		TickSize:   dec(raw.PriceFilter.TickSize),
		PriceScale: int32(priceScale),
	}

	e.mu.Lock()
	e.instrument[symbol] = info
	e.mu.Unlock()
	return info, nil
}

// symbolFromLinkID recovers the embedded symbol from a link ID in the
// {PREFIX}_{KIND}{N}_{SYMBOL}_{MS_EPOCH}_{RAND4} format (internal/linkid).
func symbolFromLinkID(linkID string) string {
	parts := strings.Split(linkID, "_")
	if len(parts) < 3 {
		return ""
	}
	return parts[2]
}

func categoryFor(err error) core.ResultCategory {
	kind, ok := apperrors.KindOf(err)
	if !ok {
		return core.CategoryFatal
	}
	switch kind {
	case apperrors.KindAlreadyGone:
		return core.CategoryAlreadyGone
	case apperrors.KindDuplicateLinkID:
		return core.CategoryDuplicateLinkID
	case apperrors.KindTransient:
		if errors.Is(err, apperrors.ErrRateLimitExceeded) {
			return core.CategoryRateLimited
		}
		return core.CategoryTransient
	default:
		return core.CategoryFatal
	}
}

var _ core.IExchange = (*Exchange)(nil)
