package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"statereconciler/src/model"

	"github.com/DATA-DOG/go-sqlmock"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func TestOrderRepositorySearch(t *testing.T) {
	mockDB, mock := newMockDB(t)
	repo := &OrderRepository{db: mockDB}

	createdAt := time.Date(2025, 1, 10, 0, 0, 0, 0, time.UTC)
	orders := []model.Order{
		{ID: 1, BotID: "bot-1", Symbol: "BTCUSDT", Status: model.OrderStatusPending, CreatedAt: createdAt, UpdatedAt: createdAt},
		{ID: 2, BotID: "bot-1", Symbol: "ETHUSDT", Status: model.OrderStatusFilled, CreatedAt: createdAt.Add(24 * time.Hour), UpdatedAt: createdAt.Add(24 * time.Hour)},
		{ID: 3, BotID: "bot-2", Symbol: "SOLUSDT", Status: model.OrderStatusPending, CreatedAt: createdAt.Add(48 * time.Hour), UpdatedAt: createdAt.Add(48 * time.Hour)},
	}

	orderRows := func(returned ...model.Order) *sqlmock.Rows {
		rows := sqlmock.NewRows([]string{"id", "bot_id", "symbol", "status", "created_at", "updated_at"})
		for _, order := range returned {
			rows.AddRow(order.ID, order.BotID, order.Symbol, order.Status, order.CreatedAt, order.UpdatedAt)
		}
		return rows
	}

	t.Run("filters by bot", func(t *testing.T) {
		mockRows := orderRows(orders[1], orders[0])
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "orders" WHERE bot_id = $1 ORDER BY created_at DESC, id DESC`)).
			WithArgs("bot-1").
			WillReturnRows(mockRows)

		results, err := repo.Search(context.Background(), OrderSearchOptions{BotID: "bot-1"})
		if err != nil {
			t.Fatalf("unexpected error searching orders: %v", err)
		}

		if len(results) != 2 {
			t.Fatalf("expected 2 orders for bot-1, got %d", len(results))
		}

		if results[0].Symbol != "ETHUSDT" || results[1].Symbol != "BTCUSDT" {
			t.Fatalf("orders not returned in expected order: %+v", results)
		}
	})

	t.Run("filters by bot and status", func(t *testing.T) {
		mockRows := orderRows(orders[1])
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "orders" WHERE bot_id = $1 AND status = $2 ORDER BY created_at DESC, id DESC`)).
			WithArgs("bot-1", model.OrderStatusFilled).
			WillReturnRows(mockRows)

		results, err := repo.Search(context.Background(), OrderSearchOptions{
			BotID:  "bot-1",
			Status: ptrString(model.OrderStatusFilled),
		})
		if err != nil {
			t.Fatalf("unexpected error searching orders: %v", err)
		}

		if len(results) != 1 {
			t.Fatalf("expected 1 filled order for bot-1, got %d", len(results))
		}
	})

	t.Run("filters by symbol and created window", func(t *testing.T) {
		mockRows := orderRows(orders[1])
		filters := OrderSearchOptions{
			BotID:         "bot-1",
			Symbol:        ptrString("ETHUSDT"),
			CreatedAfter:  ptrTime(createdAt.Add(-time.Hour)),
			CreatedBefore: ptrTime(createdAt.Add(36 * time.Hour)),
		}

		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "orders" WHERE bot_id = $1 AND symbol = $2 AND created_at >= $3 AND created_at <= $4 ORDER BY created_at DESC, id DESC`)).
			WithArgs("bot-1", *filters.Symbol, *filters.CreatedAfter, *filters.CreatedBefore).
			WillReturnRows(mockRows)

		results, err := repo.Search(context.Background(), filters)
		if err != nil {
			t.Fatalf("unexpected error searching orders: %v", err)
		}

		if len(results) != 1 {
			t.Fatalf("expected 1 order for symbol filter, got %d", len(results))
		}

		if results[0].Symbol != "ETHUSDT" {
			t.Fatalf("unexpected order returned: %+v", results[0])
		}
	})

	t.Run("applies pagination", func(t *testing.T) {
		mockRows := orderRows(orders[0])
		mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "orders" WHERE bot_id = $1 ORDER BY created_at DESC, id DESC LIMIT $2 OFFSET $3`)).
			WithArgs("bot-1", 1, 1).
			WillReturnRows(mockRows)

		results, err := repo.Search(context.Background(), OrderSearchOptions{BotID: "bot-1", Limit: 1, Offset: 1})
		if err != nil {
			t.Fatalf("unexpected error searching orders: %v", err)
		}

		if len(results) != 1 {
			t.Fatalf("expected 1 order for pagination, got %d", len(results))
		}
	})

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sqlmock expectations: %v", err)
	}
}

func TestOrderRepositoryLifecycle(t *testing.T) {
	repo := &OrderRepository{db: newSQLiteDB(t)}
	ctx := context.Background()

	order := &model.Order{
		BotID:           "bot-1",
		ExternalOrderID: "ext-1",
		ClientID:        "sr-bot-1-abcd1234",
		Symbol:          "BTCUSDT",
		Side:            model.SideBuy,
		OrderType:       "Limit",
		Quantity:        1,
		Price:           100,
		Status:          model.OrderStatusPending,
		Timestamp:       time.Now().UTC(),
	}

	if err := repo.CreateWithAutoLog(ctx, order); err != nil {
		t.Fatalf("unexpected error recording order: %v", err)
	}
	if order.ID == 0 {
		t.Fatal("expected order id to be assigned")
	}

	t.Run("duplicate external id rejected", func(t *testing.T) {
		dup := &model.Order{
			BotID:           "bot-1",
			ExternalOrderID: "ext-1",
			Symbol:          "BTCUSDT",
			Side:            model.SideBuy,
			Status:          model.OrderStatusPending,
			Timestamp:       time.Now().UTC(),
		}
		err := repo.CreateWithAutoLog(ctx, dup)
		if !errors.Is(err, ErrDuplicateOrder) {
			t.Fatalf("expected ErrDuplicateOrder, got %v", err)
		}
	})

	t.Run("illegal transition is a no-op", func(t *testing.T) {
		applied, err := repo.TransitionStatusWithAutoLog(ctx, order.ID, model.OrderStatusClosed, "test")
		if err != nil {
			t.Fatalf("unexpected error on illegal transition: %v", err)
		}
		if applied {
			t.Fatal("pending -> closed must not be applied")
		}

		fetched, err := repo.FindByExternalID(ctx, "ext-1")
		if err != nil || fetched == nil {
			t.Fatalf("failed to refetch order: %v", err)
		}
		if fetched.Status != model.OrderStatusPending {
			t.Fatalf("status changed by illegal transition: %s", fetched.Status)
		}
	})

	t.Run("legal transition applied with audit log", func(t *testing.T) {
		applied, err := repo.TransitionStatusWithAutoLog(ctx, order.ID, model.OrderStatusFilled, "exchange reports filled")
		if err != nil {
			t.Fatalf("unexpected error transitioning order: %v", err)
		}
		if !applied {
			t.Fatal("pending -> filled should be applied")
		}

		var logs []model.OrderLog
		if err := repo.db.Where("order_id = ?", order.ID).Find(&logs).Error; err != nil {
			t.Fatalf("failed to fetch order logs: %v", err)
		}
		if len(logs) != 2 {
			t.Fatalf("expected 2 audit entries (create + transition), got %d", len(logs))
		}
	})

	t.Run("open filled order listed", func(t *testing.T) {
		open, err := repo.FindOpenFilledByBot(ctx, "bot-1")
		if err != nil {
			t.Fatalf("unexpected error listing open filled orders: %v", err)
		}
		if len(open) != 1 || open[0].ID != order.ID {
			t.Fatalf("expected the filled order to be open, got %+v", open)
		}
	})

	t.Run("close with pnl", func(t *testing.T) {
		closeTime := time.Now().UTC()
		applied, err := repo.CloseWithPnl(ctx, order.ID, CloseDetails{
			ClosePrice:    110,
			CloseTime:     closeTime,
			CloseQuantity: 1,
			CloseType:     model.CloseTypeFillMatched,
			Pnl:           10,
			PnlPct:        10,
			Reason:        "test close",
		})
		if err != nil {
			t.Fatalf("unexpected error closing order: %v", err)
		}
		if !applied {
			t.Fatal("filled -> closed should be applied")
		}

		fetched, err := repo.FindByExternalID(ctx, "ext-1")
		if err != nil || fetched == nil {
			t.Fatalf("failed to refetch order: %v", err)
		}
		if fetched.Status != model.OrderStatusClosed {
			t.Fatalf("expected closed status, got %s", fetched.Status)
		}
		if fetched.Pnl == nil || *fetched.Pnl != 10 {
			t.Fatalf("pnl not persisted: %+v", fetched.Pnl)
		}
		if fetched.CloseTime == nil {
			t.Fatal("close time not persisted")
		}
	})

	t.Run("closed order no longer open", func(t *testing.T) {
		open, err := repo.FindOpenFilledByBot(ctx, "bot-1")
		if err != nil {
			t.Fatalf("unexpected error listing open filled orders: %v", err)
		}
		if len(open) != 0 {
			t.Fatalf("closed order still listed as open: %+v", open)
		}
	})

	t.Run("terminal orders stay terminal", func(t *testing.T) {
		applied, err := repo.TransitionStatusWithAutoLog(ctx, order.ID, model.OrderStatusFilled, "test")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if applied {
			t.Fatal("closed -> filled must never be applied")
		}
	})
}

func TestOrderRepositoryMarkFilledWithAutoLog(t *testing.T) {
	repo := &OrderRepository{db: newSQLiteDB(t)}
	ctx := context.Background()

	order := &model.Order{
		BotID:           "bot-1",
		ExternalOrderID: "ext-partial",
		ClientID:        "sr-bot-1-abcd1234",
		Symbol:          "BTCUSDT",
		Side:            model.SideBuy,
		OrderType:       "Limit",
		Quantity:        1,
		Price:           100,
		Status:          model.OrderStatusPending,
		Timestamp:       time.Now().UTC(),
	}
	if err := repo.CreateWithAutoLog(ctx, order); err != nil {
		t.Fatalf("unexpected error recording order: %v", err)
	}

	t.Run("partial executed quantity recorded", func(t *testing.T) {
		applied, err := repo.MarkFilledWithAutoLog(ctx, order.ID, 0.4, "resolved partial fill")
		if err != nil {
			t.Fatalf("unexpected error marking order filled: %v", err)
		}
		if !applied {
			t.Fatal("pending -> filled should be applied")
		}

		fetched, err := repo.FindByExternalID(ctx, "ext-partial")
		if err != nil || fetched == nil {
			t.Fatalf("failed to refetch order: %v", err)
		}
		if fetched.Status != model.OrderStatusFilled {
			t.Fatalf("expected filled status, got %s", fetched.Status)
		}
		if fetched.ExecutedQuantity != 0.4 {
			t.Fatalf("executed quantity not persisted: %v", fetched.ExecutedQuantity)
		}
		if fetched.OpenQuantity() != 0.4 {
			t.Fatalf("open quantity should reflect the executed size: %v", fetched.OpenQuantity())
		}
	})

	t.Run("repeated mark is a no-op", func(t *testing.T) {
		applied, err := repo.MarkFilledWithAutoLog(ctx, order.ID, 0.4, "again")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if applied {
			t.Fatal("filled -> filled must not be applied")
		}
	})

	t.Run("full fill leaves executed quantity unset", func(t *testing.T) {
		full := &model.Order{
			BotID:           "bot-1",
			ExternalOrderID: "ext-full",
			Symbol:          "BTCUSDT",
			Side:            model.SideBuy,
			Quantity:        1,
			Status:          model.OrderStatusPending,
			Timestamp:       time.Now().UTC(),
		}
		if err := repo.CreateWithAutoLog(ctx, full); err != nil {
			t.Fatalf("unexpected error recording order: %v", err)
		}

		applied, err := repo.MarkFilledWithAutoLog(ctx, full.ID, 1, "fully executed")
		if err != nil || !applied {
			t.Fatalf("expected transition applied, got applied=%v err=%v", applied, err)
		}

		fetched, err := repo.FindByExternalID(ctx, "ext-full")
		if err != nil || fetched == nil {
			t.Fatalf("failed to refetch order: %v", err)
		}
		if fetched.ExecutedQuantity != 0 {
			t.Fatalf("executed quantity should stay zero for a full fill: %v", fetched.ExecutedQuantity)
		}
		if fetched.OpenQuantity() != 1 {
			t.Fatalf("open quantity should fall back to the requested size: %v", fetched.OpenQuantity())
		}
	})
}

func TestOrderRepositoryRejectsMissingExternalID(t *testing.T) {
	repo := &OrderRepository{db: newSQLiteDB(t)}

	order := &model.Order{
		BotID:     "bot-1",
		Symbol:    "BTCUSDT",
		Side:      model.SideBuy,
		Status:    model.OrderStatusPending,
		Timestamp: time.Now().UTC(),
	}

	err := repo.CreateWithAutoLog(context.Background(), order)
	if !errors.Is(err, ErrMissingExternalID) {
		t.Fatalf("expected ErrMissingExternalID, got %v", err)
	}
	if order.ID != 0 {
		t.Fatal("order without external id must not be persisted")
	}
}

func TestOrderRepositoryFindByExternalIDMissing(t *testing.T) {
	repo := &OrderRepository{db: newSQLiteDB(t)}

	order, err := repo.FindByExternalID(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if order != nil {
		t.Fatalf("expected nil order for missing id, got %+v", order)
	}
}

func TestOrderRepositoryDeleteClosedBefore(t *testing.T) {
	repo := &OrderRepository{db: newSQLiteDB(t)}
	ctx := context.Background()

	old := &model.Order{
		BotID:           "bot-1",
		ExternalOrderID: "ext-old",
		Symbol:          "BTCUSDT",
		Side:            model.SideBuy,
		Status:          model.OrderStatusCancelled,
		Timestamp:       time.Now().Add(-48 * time.Hour),
	}
	if err := repo.db.Create(old).Error; err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}
	if err := repo.db.Model(old).Update("updated_at", time.Now().Add(-48*time.Hour)).Error; err != nil {
		t.Fatalf("failed to age order: %v", err)
	}

	live := &model.Order{
		BotID:           "bot-1",
		ExternalOrderID: "ext-live",
		Symbol:          "BTCUSDT",
		Side:            model.SideBuy,
		Status:          model.OrderStatusPending,
		Timestamp:       time.Now(),
	}
	if err := repo.db.Create(live).Error; err != nil {
		t.Fatalf("failed to seed order: %v", err)
	}

	deleted, err := repo.DeleteClosedBefore(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error deleting closed orders: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("expected 1 deleted order, got %d", deleted)
	}

	remaining, err := repo.FindPendingByBot(ctx, "bot-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(remaining) != 1 || remaining[0].ExternalOrderID != "ext-live" {
		t.Fatalf("pending order should survive retention cleanup: %+v", remaining)
	}
}

func newMockDB(t *testing.T) (*gorm.DB, sqlmock.Sqlmock) {
	t.Helper()
	sqlDB, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}

	dialector := postgres.New(postgres.Config{
		DSN:                  "sqlmock_db_0",
		Conn:                 sqlDB,
		PreferSimpleProtocol: true,
	})

	gdb, err := gorm.Open(dialector, &gorm.Config{})
	if err != nil {
		sqlDB.Close()
		t.Fatalf("failed to open gorm DB with sqlmock: %v", err)
	}

	return gdb, mock
}

func newSQLiteDB(t *testing.T) *gorm.DB {
	t.Helper()

	// One named in-memory database per test so parallel tests and the
	// gorm connection pool see the same data without cross-test bleed.
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared",
		strings.ReplaceAll(t.Name(), "/", "_"))

	gdb, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		t.Fatalf("failed to open sqlite DB: %v", err)
	}

	if err := gdb.AutoMigrate(&model.Order{}, &model.OrderLog{}, &model.TradingLock{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	return gdb
}

func ptrString(val string) *string {
	return &val
}

func ptrTime(val time.Time) *time.Time {
	return &val
}
