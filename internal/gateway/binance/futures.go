package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tradeflow/internal/gateway/exchange"
	"tradeflow/internal/ledger"
	"tradeflow/internal/logger"
	"tradeflow/internal/pkg/symbol"

	"github.com/adshao/go-binance/v2/common"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"
)

const (
	codeUnknownOrder      = -2011
	codeOrderNotExist     = -2013
	codeDuplicateClientID = -4116
)

// Futures maps USDⓈ-M futures orders onto exchange.BrokerAdapter. The client
// order id is sent as newClientOrderId and used as origClientOrderId for
// lookups, so a retried placement resolves to the existing order.
type Futures struct {
	cfg    Config
	client *futures.Client
}

func New(cfg Config) (*Futures, error) {
	final := cfg.withDefaults()
	client := futures.NewClient(final.APIKey, final.SecretKey)
	client.BaseURL = final.RESTBaseURL
	httpClient := &http.Client{Timeout: final.HTTPTimeout}
	if final.ProxyEnabled && final.RESTProxyURL != "" {
		proxyURL, err := url.Parse(final.RESTProxyURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REST proxy url: %w", err)
		}
		baseTransport, ok := http.DefaultTransport.(*http.Transport)
		if !ok || baseTransport == nil {
			return nil, fmt.Errorf("http DefaultTransport is not *http.Transport")
		}
		transport := baseTransport.Clone()
		transport.Proxy = http.ProxyURL(proxyURL)
		httpClient.Transport = transport
	}
	client.HTTPClient = httpClient
	return &Futures{cfg: final, client: client}, nil
}

func (f *Futures) Name() string { return "binance-futures" }

func (f *Futures) PlaceOrder(ctx context.Context, req exchange.OrderRequest) (exchange.PlaceResult, error) {
	sym := normalizeSymbol(req.Symbol)
	svc := f.client.NewCreateOrderService().
		Symbol(sym).
		Side(sideType(req.Side)).
		Quantity(req.Quantity.String()).
		NewClientOrderID(req.ClientOrderID).
		ReduceOnly(req.ReduceOnly)
	if req.Type == ledger.OrderTypeLimit {
		svc = svc.Type(futures.OrderTypeLimit).
			TimeInForce(futures.TimeInForceTypeGTC).
			Price(req.LimitPrice.String())
	} else {
		svc = svc.Type(futures.OrderTypeMarket)
	}
	resp, err := svc.Do(ctx)
	if err == nil {
		return exchange.PlaceResult{Accepted: true, BrokerOrderID: strconv.FormatInt(resp.OrderID, 10)}, nil
	}
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		return exchange.PlaceResult{}, err
	}
	if apiErr.Code == codeDuplicateClientID {
		// 已存在同 client id 的订单，视为已受理
		st, lookupErr := f.GetOrderStatus(ctx, exchange.OrderRef{ClientOrderID: req.ClientOrderID, Symbol: req.Symbol})
		if lookupErr != nil {
			return exchange.PlaceResult{}, lookupErr
		}
		logger.Infof("[binance] order %s already placed as %s", req.ClientOrderID, st.BrokerOrderID)
		return exchange.PlaceResult{Accepted: true, BrokerOrderID: st.BrokerOrderID}, nil
	}
	if isClientError(apiErr) {
		return exchange.PlaceResult{Accepted: false, RejectReason: fmt.Sprintf("%d: %s", apiErr.Code, apiErr.Message)}, nil
	}
	return exchange.PlaceResult{}, err
}

func (f *Futures) GetOrderStatus(ctx context.Context, ref exchange.OrderRef) (exchange.OrderStatus, error) {
	svc := f.client.NewGetOrderService().Symbol(normalizeSymbol(ref.Symbol))
	if id, ok := parseOrderID(ref.BrokerOrderID); ok {
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(ref.ClientOrderID)
	}
	order, err := svc.Do(ctx)
	if err != nil {
		return exchange.OrderStatus{}, mapNotFound(err)
	}
	return convertOrder(order), nil
}

func (f *Futures) CancelOrder(ctx context.Context, ref exchange.OrderRef) error {
	svc := f.client.NewCancelOrderService().Symbol(normalizeSymbol(ref.Symbol))
	if id, ok := parseOrderID(ref.BrokerOrderID); ok {
		svc = svc.OrderID(id)
	} else {
		svc = svc.OrigClientOrderID(ref.ClientOrderID)
	}
	_, err := svc.Do(ctx)
	return mapNotFound(err)
}

func convertOrder(o *futures.Order) exchange.OrderStatus {
	st := exchange.OrderStatus{
		BrokerOrderID: strconv.FormatInt(o.OrderID, 10),
		State:         mapState(o.Status),
		FilledQty:     parseDecimal(o.ExecutedQuantity),
		AvgPrice:      parseDecimal(o.AvgPrice),
	}
	if o.UpdateTime > 0 {
		st.UpdatedAt = time.UnixMilli(o.UpdateTime)
	}
	return st
}

func mapState(s futures.OrderStatusType) exchange.OrderState {
	switch s {
	case futures.OrderStatusTypeNew:
		return exchange.OrderNew
	case futures.OrderStatusTypePartiallyFilled:
		return exchange.OrderPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return exchange.OrderFilled
	case futures.OrderStatusTypeCanceled:
		return exchange.OrderCancelled
	case futures.OrderStatusTypeRejected:
		return exchange.OrderRejected
	case futures.OrderStatusTypeExpired:
		return exchange.OrderExpired
	default:
		return exchange.OrderUnknown
	}
}

func sideType(d ledger.Direction) futures.SideType {
	if d.IsLong() {
		return futures.SideTypeBuy
	}
	return futures.SideTypeSell
}

func mapNotFound(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *common.APIError
	if errors.As(err, &apiErr) && (apiErr.Code == codeOrderNotExist || apiErr.Code == codeUnknownOrder) {
		return fmt.Errorf("%w: %s", exchange.ErrOrderNotFound, apiErr.Message)
	}
	return err
}

// isClientError: -1xxx 是请求/服务端问题，-2xxx 及以下是订单被拒。
func isClientError(e *common.APIError) bool {
	return e.Code <= -2000
}

func parseOrderID(raw string) (int64, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	return id, err == nil
}

func parseDecimal(raw string) decimal.Decimal {
	d, err := decimal.NewFromString(strings.TrimSpace(raw))
	if err != nil {
		return decimal.Zero
	}
	return d
}

func normalizeSymbol(s string) string {
	return symbol.BinanceConverter{}.ToExchange(s)
}
