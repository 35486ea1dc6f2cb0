package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"github.com/uhyunpark/bursa/pkg/app/core"
	"github.com/uhyunpark/bursa/pkg/app/core/ledger"
	"github.com/uhyunpark/bursa/pkg/app/core/pricing"
	"github.com/uhyunpark/bursa/pkg/util"
)

const (
	defaultPostgresHost    = "localhost"
	defaultPostgresPort    = 5432
	defaultPostgresSSLMode = "disable"
)

// PostgresOption defines connection options for the ledger database
type PostgresOption struct {
	Host       string
	Port       int
	User       string
	Password   string
	Database   string
	SSLMode    string
	ConnString string
	MaxConns   int
	// StatementTimeout bounds every statement server-side. Keep it shorter
	// than the matching sweep timeout.
	StatementTimeout time.Duration
	IdleInTxTimeout  time.Duration
	Logger           *zap.SugaredLogger
}

// Postgres is the relational ledger. Trade execution, placement, cancellation
// and session moves each run in one transaction with SELECT ... FOR UPDATE on
// the touched rows.
type Postgres struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

// OpenPostgres connects and sizes the pool
func OpenPostgres(opt PostgresOption) (*Postgres, error) {
	dsn, err := opt.dsn()
	if err != nil {
		return nil, err
	}
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger:                 gormlogger.Default.LogMode(gormlogger.Silent),
		SkipDefaultTransaction: true,
	})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	if opt.MaxConns > 0 {
		sqlDB.SetMaxOpenConns(opt.MaxConns)
		sqlDB.SetMaxIdleConns(opt.MaxConns / 2)
	}
	sqlDB.SetConnMaxIdleTime(30 * time.Second)

	return &Postgres{db: db, log: util.OrNop(opt.Logger)}, nil
}

// Migrate creates or updates the mapped tables
func (p *Postgres) Migrate(ctx context.Context) error {
	return p.db.WithContext(ctx).AutoMigrate(allModels()...)
}

func (p *Postgres) Close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *Postgres) Ping(ctx context.Context) error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (p *Postgres) PoolStats() ledger.PoolStats {
	sqlDB, err := p.db.DB()
	if err != nil {
		return ledger.PoolStats{}
	}
	s := sqlDB.Stats()
	return ledger.PoolStats{
		MaxOpen:   s.MaxOpenConnections,
		Open:      s.OpenConnections,
		InUse:     s.InUse,
		Idle:      s.Idle,
		WaitCount: s.WaitCount,
	}
}

func (opt PostgresOption) dsn() (string, error) {
	if opt.ConnString != "" {
		return opt.ConnString, nil
	}

	host := opt.Host
	if host == "" {
		host = defaultPostgresHost
	}
	port := opt.Port
	if port == 0 {
		port = defaultPostgresPort
	}
	sslMode := opt.SSLMode
	if sslMode == "" {
		sslMode = defaultPostgresSSLMode
	}

	u := &url.URL{
		Scheme: "postgres",
		Host:   fmt.Sprintf("%s:%d", host, port),
	}
	if opt.User != "" {
		if opt.Password != "" {
			u.User = url.UserPassword(opt.User, opt.Password)
		} else {
			u.User = url.User(opt.User)
		}
	}
	if opt.Database != "" {
		u.Path = "/" + opt.Database
	}

	query := url.Values{}
	query.Set("sslmode", sslMode)
	// unknown parameters are forwarded by the driver as session settings
	if opt.StatementTimeout > 0 {
		query.Set("statement_timeout", strconv.FormatInt(opt.StatementTimeout.Milliseconds(), 10))
	}
	if opt.IdleInTxTimeout > 0 {
		query.Set("idle_in_transaction_session_timeout", strconv.FormatInt(opt.IdleInTxTimeout.Milliseconds(), 10))
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

var forUpdate = clause.Locking{Strength: "UPDATE"}

// ============================================================================
// Trade execution
// ============================================================================

func (p *Postgres) ExecuteTrade(ctx context.Context, req ledger.TradeRequest) (ledger.TradeResult, error) {
	if req.Quantity <= 0 || req.Price <= 0 {
		return ledger.TradeResult{}, fmt.Errorf("invalid trade %d@%d", req.Quantity, req.Price)
	}
	executedAt := req.ExecutedAt
	if executedAt.IsZero() {
		executedAt = time.Now()
	}

	var res ledger.TradeResult
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		orders, err := lockOrders(tx, req)
		if err != nil {
			return err
		}
		if err := lockAccounts(tx, req.Buy.Owner, req.Sell.Owner); err != nil {
			return err
		}

		var sellerPf *portfolioRow
		if !req.Sell.Owner.IsMarketMaker() {
			var pf portfolioRow
			err := tx.Clauses(forUpdate).
				Where("user_id = ? AND stock_id = ?", req.Sell.Owner.AccountID, req.StockID).
				Take(&pf).Error
			if errors.Is(err, gorm.ErrRecordNotFound) || (err == nil && pf.QuantityOwned < req.Quantity) {
				return fmt.Errorf("seller %s: %w", req.Sell.Owner.AccountID, ledger.ErrInsufficientHoldings)
			}
			if err != nil {
				return err
			}
			sellerPf = &pf
		}

		trade := tradeRow{
			ID:         uuid.NewString(),
			StockID:    req.StockID,
			Price:      req.Price,
			Quantity:   req.Quantity,
			ExecutedAt: executedAt,
		}
		res.Buy = ledger.LegResult{OrderID: req.Buy.OrderID, Owner: req.Buy.Owner}
		res.Sell = ledger.LegResult{OrderID: req.Sell.OrderID, Owner: req.Sell.Owner}

		if o, ok := orders[req.Buy.OrderID]; ok && !req.Buy.Owner.IsMarketMaker() {
			trade.BuyOrderID = &o.ID
			res.Buy.Remaining = o.RemainingQuantity - req.Quantity
			res.Buy.Status = core.StatusFor(res.Buy.Remaining)
		}
		if o, ok := orders[req.Sell.OrderID]; ok && !req.Sell.Owner.IsMarketMaker() {
			trade.SellOrderID = &o.ID
			res.Sell.Remaining = o.RemainingQuantity - req.Quantity
			res.Sell.Status = core.StatusFor(res.Sell.Remaining)
		}

		if err := tx.Create(&trade).Error; err != nil {
			return fmt.Errorf("insert trade: %w", err)
		}
		for _, leg := range []ledger.LegResult{res.Buy, res.Sell} {
			if leg.Owner.IsMarketMaker() {
				continue
			}
			err := tx.Model(&orderRow{}).Where("id = ?", leg.OrderID).Updates(map[string]any{
				"remaining_quantity": leg.Remaining,
				"status":             string(leg.Status),
				"updated_at":         executedAt,
			}).Error
			if err != nil {
				return fmt.Errorf("update order %s: %w", leg.OrderID, err)
			}
		}

		if !req.Buy.Owner.IsMarketMaker() {
			buyer := req.Buy.Owner.AccountID
			if err := creditHolding(tx, buyer, req.StockID, req.Quantity, req.Price); err != nil {
				return err
			}
			if req.Buy.LimitPrice > req.Price {
				res.Buy.Refund = ledger.Cost(req.Buy.LimitPrice-req.Price, req.Quantity)
				if err := addBalance(tx, buyer, res.Buy.Refund); err != nil {
					return err
				}
			}
		}
		if sellerPf != nil {
			seller := req.Sell.Owner.AccountID
			if err := addBalance(tx, seller, ledger.Cost(req.Price, req.Quantity)); err != nil {
				return err
			}
			err := tx.Model(&portfolioRow{}).
				Where("user_id = ? AND stock_id = ?", seller, req.StockID).
				UpdateColumn("quantity_owned", gorm.Expr("quantity_owned - ?", req.Quantity)).Error
			if err != nil {
				return fmt.Errorf("debit holdings: %w", err)
			}
		}

		daily, err := applyDaily(tx, req.StockID, req.Price, req.Quantity)
		if err != nil {
			return err
		}
		daily.Symbol = req.Symbol
		res.Daily = daily

		res.Trade = ledger.Trade{
			ID:          trade.ID,
			StockID:     trade.StockID,
			Symbol:      req.Symbol,
			BuyOrderID:  trade.BuyOrderID,
			SellOrderID: trade.SellOrderID,
			Price:       trade.Price,
			Quantity:    trade.Quantity,
			ExecutedAt:  trade.ExecutedAt,
		}
		return nil
	})
	if err != nil {
		return ledger.TradeResult{}, err
	}
	return res, nil
}

// lockOrders locks both real orders in id order and validates they still rest
func lockOrders(tx *gorm.DB, req ledger.TradeRequest) (map[string]orderRow, error) {
	type want struct {
		leg  ledger.TradeLeg
		side core.Side
	}
	var legs []want
	if !req.Buy.Owner.IsMarketMaker() {
		legs = append(legs, want{req.Buy, core.Buy})
	}
	if !req.Sell.Owner.IsMarketMaker() {
		legs = append(legs, want{req.Sell, core.Sell})
	}
	sort.Slice(legs, func(i, j int) bool { return legs[i].leg.OrderID < legs[j].leg.OrderID })

	out := make(map[string]orderRow, len(legs))
	for _, w := range legs {
		if _, err := uuid.Parse(w.leg.OrderID); err != nil {
			return nil, &ledger.StaleOrderError{OrderID: w.leg.OrderID}
		}
		var o orderRow
		err := tx.Clauses(forUpdate).Where("id = ?", w.leg.OrderID).Take(&o).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, &ledger.StaleOrderError{OrderID: w.leg.OrderID}
		}
		if err != nil {
			return nil, fmt.Errorf("lock order %s: %w", w.leg.OrderID, err)
		}
		status := core.OrderStatus(o.Status)
		if !status.Active() || core.Side(o.Type) != w.side {
			return nil, &ledger.StaleOrderError{OrderID: o.ID, Status: status}
		}
		if o.RemainingQuantity < req.Quantity {
			return nil, &ledger.StaleOrderError{OrderID: o.ID, Status: status, Remaining: o.RemainingQuantity}
		}
		out[o.ID] = o
	}
	return out, nil
}

// lockAccounts takes user row locks in a stable order so concurrent trades
// across symbols sharing an account cannot deadlock
func lockAccounts(tx *gorm.DB, owners ...core.Participant) error {
	ids := make([]string, 0, len(owners))
	for _, o := range owners {
		if !o.IsMarketMaker() {
			ids = append(ids, o.AccountID)
		}
	}
	sort.Strings(ids)
	var users []userRow
	if len(ids) == 0 {
		return nil
	}
	if err := tx.Clauses(forUpdate).Where("id IN ?", ids).Order("id").Find(&users).Error; err != nil {
		return fmt.Errorf("lock accounts: %w", err)
	}
	return nil
}

func addBalance(tx *gorm.DB, userID string, amount int64) error {
	err := tx.Model(&userRow{}).Where("id = ?", userID).
		UpdateColumn("balance_rdn", gorm.Expr("balance_rdn + ?", amount)).Error
	if err != nil {
		return fmt.Errorf("update balance %s: %w", userID, err)
	}
	return nil
}

func creditHolding(tx *gorm.DB, userID string, stockID, qty, price int64) error {
	var pf portfolioRow
	err := tx.Clauses(forUpdate).Where("user_id = ? AND stock_id = ?", userID, stockID).Take(&pf).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		pf = portfolioRow{UserID: userID, StockID: stockID}
	case err != nil:
		return fmt.Errorf("lock holding: %w", err)
	}
	pf.AvgBuyPrice = ledger.WeightedAverage(pf.QuantityOwned, pf.AvgBuyPrice, qty, price)
	pf.QuantityOwned += qty
	err = tx.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "stock_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"quantity_owned", "avg_buy_price"}),
	}).Create(&pf).Error
	if err != nil {
		return fmt.Errorf("credit holding: %w", err)
	}
	return nil
}

func currentSessionRow(tx *gorm.DB) (*sessionRow, error) {
	var s sessionRow
	err := tx.Where("status <> ?", string(core.SessionClosed)).Order("id DESC").Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func latestSessionRow(tx *gorm.DB) (*sessionRow, error) {
	var s sessionRow
	err := tx.Order("id DESC").Take(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

func applyDaily(tx *gorm.DB, stockID, price, qty int64) (ledger.DailyData, error) {
	sess, err := currentSessionRow(tx)
	if err != nil {
		return ledger.DailyData{}, err
	}
	if sess == nil {
		if sess, err = latestSessionRow(tx); err != nil {
			return ledger.DailyData{}, err
		}
	}
	if sess == nil {
		d := ledger.DailyData{StockID: stockID}
		d.Apply(price, qty)
		return d, nil
	}

	var row dailyRow
	err = tx.Clauses(forUpdate).Where("stock_id = ? AND session_id = ?", stockID, sess.ID).Take(&row).Error
	var d ledger.DailyData
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		prev, err := latestClose(tx, stockID)
		if err != nil {
			return ledger.DailyData{}, err
		}
		d = ledger.DailyData{StockID: stockID, SessionID: sess.ID, PrevClose: prev, Close: prev, Bands: pricing.ComputeBands(prev)}
	case err != nil:
		return ledger.DailyData{}, fmt.Errorf("lock daily data: %w", err)
	default:
		d = row.toLedger("")
	}
	d.Apply(price, qty)
	row = dailyFromLedger(d)
	if err := tx.Save(&row).Error; err != nil {
		return ledger.DailyData{}, fmt.Errorf("save daily data: %w", err)
	}
	return d, nil
}

// latestClose is the close of the newest session row, falling back to its
// previous close when nothing traded
func latestClose(tx *gorm.DB, stockID int64) (int64, error) {
	var row dailyRow
	err := tx.Where("stock_id = ?", stockID).Order("session_id DESC").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	if row.ClosePrice > 0 {
		return row.ClosePrice, nil
	}
	return row.PrevClose, nil
}

func (p *Postgres) PrevClose(ctx context.Context, stockID int64) (int64, error) {
	tx := p.db.WithContext(ctx)
	sess, err := currentSessionRow(tx)
	if err != nil {
		return 0, err
	}
	if sess != nil {
		var row dailyRow
		err := tx.Where("stock_id = ? AND session_id = ?", stockID, sess.ID).Take(&row).Error
		if err == nil {
			return row.PrevClose, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, err
		}
	}
	return latestClose(tx, stockID)
}

// ============================================================================
// Sessions
// ============================================================================

func (p *Postgres) CurrentSession(ctx context.Context) (*ledger.Session, error) {
	row, err := currentSessionRow(p.db.WithContext(ctx))
	if err != nil || row == nil {
		return nil, err
	}
	s := row.toLedger()
	return &s, nil
}

func (p *Postgres) ActiveStocks(ctx context.Context) ([]ledger.Stock, error) {
	return activeStocks(p.db.WithContext(ctx))
}

func activeStocks(tx *gorm.DB) ([]ledger.Stock, error) {
	var rows []stockRow
	if err := tx.Where("is_active = ?", true).Order("id").Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]ledger.Stock, len(rows))
	for i, r := range rows {
		out[i] = ledger.Stock{ID: r.ID, Symbol: r.Symbol, Name: r.Name, Active: r.IsActive}
	}
	return out, nil
}

func (p *Postgres) OpenSession(ctx context.Context, now time.Time, defaultPrevClose int64) (ledger.OpenResult, error) {
	var res ledger.OpenResult
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var running int64
		if err := tx.Model(&sessionRow{}).Where("status <> ?", string(core.SessionClosed)).Count(&running).Error; err != nil {
			return err
		}
		if running > 0 {
			return ledger.ErrSessionActive
		}

		prev, err := latestSessionRow(tx)
		if err != nil {
			return err
		}
		var maxNumber int64
		if err := tx.Model(&sessionRow{}).Select("COALESCE(MAX(session_number), 0)").Scan(&maxNumber).Error; err != nil {
			return err
		}
		sess := sessionRow{SessionNumber: maxNumber + 1, Status: string(core.SessionPreOpen), StartedAt: now}
		if err := tx.Create(&sess).Error; err != nil {
			return fmt.Errorf("create session: %w", err)
		}

		stocks, err := activeStocks(tx)
		if err != nil {
			return err
		}
		for _, st := range stocks {
			prevClose, err := latestClose(tx, st.ID)
			if err != nil {
				return err
			}
			if prevClose <= 0 {
				prevClose = defaultPrevClose
			}
			d := ledger.DailyData{
				StockID:   st.ID,
				Symbol:    st.Symbol,
				SessionID: sess.ID,
				PrevClose: prevClose,
				Close:     prevClose,
				Bands:     pricing.ComputeBands(prevClose),
			}
			row := dailyFromLedger(d)
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("init daily data %s: %w", st.Symbol, err)
			}
			res.Daily = append(res.Daily, d)
			p.log.Infow("daily_data_initialized", "symbol", st.Symbol, "prev_close", prevClose,
				"ara", d.Bands.Upper, "arb", d.Bands.Lower)
		}

		move := tx.Model(&orderRow{}).Where("status = ?", string(core.StatusPending))
		if prev != nil {
			move = move.Where("session_id = ? OR session_id IS NULL", prev.ID)
		} else {
			move = move.Where("session_id IS NULL")
		}
		if err := move.Update("session_id", sess.ID).Error; err != nil {
			return fmt.Errorf("migrate pending orders: %w", err)
		}

		var moved []orderWithSymbol
		err = tx.Table("orders").
			Select("orders.*, stocks.symbol").
			Joins("JOIN stocks ON stocks.id = orders.stock_id").
			Where("orders.session_id = ? AND orders.status = ?", sess.ID, string(core.StatusPending)).
			Order("orders.arrival_ns").
			Find(&moved).Error
		if err != nil {
			return fmt.Errorf("load migrated orders: %w", err)
		}
		for _, o := range moved {
			res.Migrated = append(res.Migrated, o.toLedger(o.Symbol))
		}
		res.Session = sess.toLedger()
		return nil
	})
	return res, err
}

func (p *Postgres) SetSessionStatus(ctx context.Context, sessionID int64, status core.SessionStatus) error {
	res := p.db.WithContext(ctx).Model(&sessionRow{}).Where("id = ?", sessionID).Update("status", string(status))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("session %d not found", sessionID)
	}
	return nil
}

func (p *Postgres) CloseSession(ctx context.Context, now time.Time) (ledger.CloseResult, error) {
	var res ledger.CloseResult
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var sess sessionRow
		err := tx.Clauses(forUpdate).Where("status <> ?", string(core.SessionClosed)).Order("id DESC").Take(&sess).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.ErrNoActiveSession
		}
		if err != nil {
			return err
		}
		sess.Status = string(core.SessionClosed)
		sess.EndedAt = &now
		if err := tx.Save(&sess).Error; err != nil {
			return fmt.Errorf("close session: %w", err)
		}

		var resting []orderWithSymbol
		err = tx.Table("orders").
			Select("orders.*, stocks.symbol").
			Joins("JOIN stocks ON stocks.id = orders.stock_id").
			Where("orders.status IN ?", []string{string(core.StatusPending), string(core.StatusPartial)}).
			Order("orders.arrival_ns").
			Clauses(clause.Locking{Strength: "UPDATE", Table: clause.Table{Name: "orders"}}).
			Find(&resting).Error
		if err != nil {
			return fmt.Errorf("load resting orders: %w", err)
		}

		refunds := make(map[string]int64)
		ids := make([]string, 0, len(resting))
		for _, o := range resting {
			if core.Side(o.Type) == core.Buy {
				refunds[o.UserID] += ledger.Cost(o.Price, o.RemainingQuantity)
			}
			ids = append(ids, o.ID)
			lo := o.toLedger(o.Symbol)
			lo.Status = core.StatusCanceled
			res.Canceled = append(res.Canceled, lo)
		}
		users := make([]string, 0, len(refunds))
		for u := range refunds {
			users = append(users, u)
		}
		sort.Strings(users)
		for _, u := range users {
			if err := addBalance(tx, u, refunds[u]); err != nil {
				return err
			}
			res.Refunded += refunds[u]
		}
		if len(ids) > 0 {
			err := tx.Model(&orderRow{}).Where("id IN ?", ids).Updates(map[string]any{
				"status":     string(core.StatusCanceled),
				"updated_at": now,
			}).Error
			if err != nil {
				return fmt.Errorf("cancel resting orders: %w", err)
			}
		}
		res.Session = sess.toLedger()
		return nil
	})
	return res, err
}

// ============================================================================
// Orders
// ============================================================================

func (p *Postgres) PlaceOrder(ctx context.Context, req ledger.PlaceOrder) (ledger.Order, error) {
	var out ledger.Order
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user userRow
		err := tx.Clauses(forUpdate).Where("id = ?", req.UserID).Take(&user).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.ErrAccountNotFound
		}
		if err != nil {
			return err
		}

		var ref *decimal.Decimal
		switch req.Side {
		case core.Buy:
			cost := ledger.Cost(req.Price, req.Quantity)
			if user.BalanceRDN < cost {
				return ledger.ErrInsufficientBalance
			}
			if err := addBalance(tx, req.UserID, -cost); err != nil {
				return err
			}
		case core.Sell:
			var pf portfolioRow
			err := tx.Clauses(forUpdate).Where("user_id = ? AND stock_id = ?", req.UserID, req.StockID).Take(&pf).Error
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ledger.ErrInsufficientHoldings
			}
			if err != nil {
				return err
			}
			var queued int64
			err = tx.Model(&orderRow{}).
				Select("COALESCE(SUM(remaining_quantity), 0)").
				Where("user_id = ? AND stock_id = ? AND type = ? AND status IN ?",
					req.UserID, req.StockID, string(core.Sell),
					[]string{string(core.StatusPending), string(core.StatusPartial)}).
				Scan(&queued).Error
			if err != nil {
				return err
			}
			if pf.QuantityOwned-queued < req.Quantity {
				return ledger.ErrInsufficientHoldings
			}
			avg := pf.AvgBuyPrice
			ref = &avg
		}

		sess, err := currentSessionRow(tx)
		if err != nil {
			return err
		}
		if sess == nil {
			if sess, err = latestSessionRow(tx); err != nil {
				return err
			}
		}

		now := time.Now()
		row := orderRow{
			ID:                uuid.NewString(),
			UserID:            req.UserID,
			StockID:           req.StockID,
			Type:              string(req.Side),
			Price:             req.Price,
			Quantity:          req.Quantity,
			RemainingQuantity: req.Quantity,
			Status:            string(core.StatusPending),
			ArrivalNs:         req.Timestamp,
			AvgPriceAtOrder:   ref,
			CreatedAt:         now,
			UpdatedAt:         now,
		}
		if sess != nil {
			id := sess.ID
			row.SessionID = &id
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("insert order: %w", err)
		}
		out = row.toLedger(req.Symbol)
		return nil
	})
	return out, err
}

func (p *Postgres) CancelOrder(ctx context.Context, userID, orderID string) (ledger.Order, int64, error) {
	if _, err := uuid.Parse(orderID); err != nil {
		return ledger.Order{}, 0, ledger.ErrOrderNotFound
	}
	var (
		out    ledger.Order
		refund int64
	)
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var o orderWithSymbol
		err := tx.Table("orders").
			Select("orders.*, stocks.symbol").
			Joins("JOIN stocks ON stocks.id = orders.stock_id").
			Where("orders.id = ? AND orders.user_id = ?", orderID, userID).
			Clauses(clause.Locking{Strength: "UPDATE", Table: clause.Table{Name: "orders"}}).
			Take(&o).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ledger.ErrOrderNotFound
		}
		if err != nil {
			return err
		}
		status := core.OrderStatus(o.Status)
		if !status.Active() {
			return fmt.Errorf("%w (status: %s)", ledger.ErrNotCancellable, status)
		}
		if core.Side(o.Type) == core.Buy {
			refund = ledger.Cost(o.Price, o.RemainingQuantity)
			if err := addBalance(tx, userID, refund); err != nil {
				return err
			}
		}
		now := time.Now()
		err = tx.Model(&orderRow{}).Where("id = ?", orderID).Updates(map[string]any{
			"status":     string(core.StatusCanceled),
			"updated_at": now,
		}).Error
		if err != nil {
			return err
		}
		out = o.toLedger(o.Symbol)
		out.Status = core.StatusCanceled
		out.UpdatedAt = now
		return nil
	})
	return out, refund, err
}

func (p *Postgres) ordersQuery(ctx context.Context) *gorm.DB {
	return p.db.WithContext(ctx).Table("orders").
		Select("orders.*, stocks.symbol").
		Joins("JOIN stocks ON stocks.id = orders.stock_id")
}

func (p *Postgres) GetOrder(ctx context.Context, orderID string) (ledger.Order, error) {
	if _, err := uuid.Parse(orderID); err != nil {
		return ledger.Order{}, ledger.ErrOrderNotFound
	}
	var o orderWithSymbol
	err := p.ordersQuery(ctx).Where("orders.id = ?", orderID).Take(&o).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Order{}, ledger.ErrOrderNotFound
	}
	if err != nil {
		return ledger.Order{}, err
	}
	return o.toLedger(o.Symbol), nil
}

func (p *Postgres) ActiveOrders(ctx context.Context, userID string) ([]ledger.Order, error) {
	var rows []orderWithSymbol
	err := p.ordersQuery(ctx).
		Where("orders.user_id = ? AND orders.status IN ?", userID,
			[]string{string(core.StatusPending), string(core.StatusPartial)}).
		Order("orders.arrival_ns DESC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	return toOrders(rows), nil
}

func (p *Postgres) OrderHistory(ctx context.Context, userID string, limit int) ([]ledger.Order, error) {
	q := p.ordersQuery(ctx).Where("orders.user_id = ?", userID).Order("orders.arrival_ns DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []orderWithSymbol
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	return toOrders(rows), nil
}

func toOrders(rows []orderWithSymbol) []ledger.Order {
	out := make([]ledger.Order, len(rows))
	for i, r := range rows {
		out[i] = r.toLedger(r.Symbol)
	}
	return out
}

func (p *Postgres) Portfolio(ctx context.Context, userID string) ([]ledger.Holding, error) {
	type row struct {
		portfolioRow `gorm:"embedded"`
		Symbol       string `gorm:"column:symbol"`
	}
	var rows []row
	err := p.db.WithContext(ctx).Table("portfolios").
		Select("portfolios.*, stocks.symbol").
		Joins("JOIN stocks ON stocks.id = portfolios.stock_id").
		Where("portfolios.user_id = ? AND portfolios.quantity_owned > 0", userID).
		Order("portfolios.stock_id").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]ledger.Holding, len(rows))
	for i, r := range rows {
		out[i] = ledger.Holding{
			UserID:   r.UserID,
			StockID:  r.StockID,
			Symbol:   r.Symbol,
			Quantity: r.QuantityOwned,
			AvgPrice: r.AvgBuyPrice,
		}
	}
	return out, nil
}

func (p *Postgres) Account(ctx context.Context, userID string) (ledger.Account, error) {
	var u userRow
	err := p.db.WithContext(ctx).Where("id = ?", userID).Take(&u).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.Account{}, ledger.ErrAccountNotFound
	}
	if err != nil {
		return ledger.Account{}, err
	}
	return ledger.Account{ID: u.ID, Balance: u.BalanceRDN}, nil
}

func (p *Postgres) DailyData(ctx context.Context, stockID int64) (ledger.DailyData, error) {
	var row dailyRow
	err := p.db.WithContext(ctx).Where("stock_id = ?", stockID).Order("session_id DESC").Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return ledger.DailyData{}, ledger.ErrStockNotFound
	}
	if err != nil {
		return ledger.DailyData{}, err
	}
	var st stockRow
	_ = p.db.WithContext(ctx).Where("id = ?", stockID).Take(&st).Error
	return row.toLedger(st.Symbol), nil
}

var _ ledger.Ledger = (*Postgres)(nil)
