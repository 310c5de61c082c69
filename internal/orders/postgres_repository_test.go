package orders

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/darkden-lab/ordertracking/internal/db"
	"github.com/darkden-lab/ordertracking/internal/domain"
)

type PostgresRepositorySuite struct {
	suite.Suite
	ctx       context.Context
	container *postgres.PostgresContainer
	database  *db.DB
	repo      *PostgresRepository
}

func TestPostgresRepository(t *testing.T) {
	if testing.Short() {
		t.Skip("postgres container tests are skipped in short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
	suite.Run(t, new(PostgresRepositorySuite))
}

func (s *PostgresRepositorySuite) SetupSuite() {
	s.ctx = context.Background()

	var err error
	s.container, err = postgres.Run(
		s.ctx,
		"postgres:17-alpine",
		postgres.WithDatabase("ordertracking"),
		postgres.WithUsername("orders"),
		postgres.WithPassword("orders"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	s.Require().NoError(err)

	connStr, err := s.container.ConnectionString(s.ctx, "sslmode=disable")
	s.Require().NoError(err)

	migrations, err := filepath.Abs(filepath.Join("..", "..", "migrations"))
	s.Require().NoError(err)
	s.Require().NoError(db.RunMigrations(connStr, migrations))

	s.database, err = db.New(s.ctx, connStr)
	s.Require().NoError(err)
	s.repo = NewPostgresRepository(s.database.Pool)
}

func (s *PostgresRepositorySuite) TearDownSuite() {
	if s.database != nil {
		s.database.Close()
	}
	if s.container != nil {
		s.NoError(s.container.Terminate(s.ctx))
	}
}

func (s *PostgresRepositorySuite) SetupTest() {
	_, err := s.database.Pool.Exec(s.ctx, "TRUNCATE orders")
	s.Require().NoError(err)
}

func (s *PostgresRepositorySuite) TestRoundTrip() {
	o := domain.NewOrder("ORD-001", "two boxes", time.Now().In(time.FixedZone("UTC+3", 3*3600)))
	o.ApplyStatus(domain.StatusCancelled, time.Now().Add(time.Second))
	s.Require().NoError(s.repo.Add(s.ctx, o))

	byID, err := s.repo.FindByID(s.ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(o.ID, byID.ID)
	s.Equal("ORD-001", byID.OrderNumber)
	s.Equal("two boxes", byID.Description)
	s.Equal(domain.StatusCancelled, byID.Status)
	s.Equal(time.UTC, byID.CreatedAt.Location())
	s.True(o.CreatedAt.Equal(byID.CreatedAt))
	s.True(o.UpdatedAt.Equal(byID.UpdatedAt))

	byNumber, err := s.repo.FindByOrderNumber(s.ctx, "ORD-001")
	s.Require().NoError(err)
	s.Equal(o.ID, byNumber.ID)
}

func (s *PostgresRepositorySuite) TestMissingOrder() {
	o := domain.NewOrder("ORD-404", "", time.Now())

	_, err := s.repo.FindByID(s.ctx, o.ID)
	s.ErrorIs(err, domain.ErrOrderNotFound)
	_, err = s.repo.FindByOrderNumber(s.ctx, "ORD-404")
	s.ErrorIs(err, domain.ErrOrderNotFound)

	o.ApplyStatus(domain.StatusSent, time.Now())
	s.ErrorIs(s.repo.Update(s.ctx, o), domain.ErrOrderNotFound)
}

func (s *PostgresRepositorySuite) TestDuplicateOrderNumber() {
	first := domain.NewOrder("ORD-001", "first", time.Now())
	s.Require().NoError(s.repo.Add(s.ctx, first))

	second := domain.NewOrder("ORD-001", "second", time.Now())
	s.ErrorIs(s.repo.Add(s.ctx, second), domain.ErrOrderNumberTaken)

	stored, err := s.repo.FindByOrderNumber(s.ctx, "ORD-001")
	s.Require().NoError(err)
	s.Equal(first.ID, stored.ID)
	s.Equal("first", stored.Description)
}

func (s *PostgresRepositorySuite) TestUpdatePersistsStatus() {
	o := domain.NewOrder("ORD-002", "", time.Now())
	s.Require().NoError(s.repo.Add(s.ctx, o))

	o.ApplyStatus(domain.StatusDelivered, time.Now())
	s.Require().NoError(s.repo.Update(s.ctx, o))

	got, err := s.repo.FindByID(s.ctx, o.ID)
	s.Require().NoError(err)
	s.Equal(domain.StatusDelivered, got.Status)
	s.True(o.UpdatedAt.Equal(got.UpdatedAt))
	s.True(got.UpdatedAt.After(got.CreatedAt))
}

func (s *PostgresRepositorySuite) TestListNewestFirst() {
	base := time.Now()
	for i, number := range []string{"ORD-A", "ORD-B", "ORD-C"} {
		s.Require().NoError(s.repo.Add(s.ctx, domain.NewOrder(number, "", base.Add(time.Duration(i)*time.Minute))))
	}

	list, err := s.repo.List(s.ctx)
	s.Require().NoError(err)
	s.Require().Len(list, 3)
	s.Equal([]string{"ORD-C", "ORD-B", "ORD-A"}, []string{list[0].OrderNumber, list[1].OrderNumber, list[2].OrderNumber})
}

func (s *PostgresRepositorySuite) TestConcurrentCreateKeepsNumberUnique() {
	svc := NewService(s.repo, &recordingDispatcher{}, zap.NewNop())

	const callers = 8
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		created int
		taken   int
	)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := svc.Create(s.ctx, "ORD-RACE", "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				created++
			case s.ErrorIs(err, domain.ErrOrderNumberTaken):
				taken++
			}
		}()
	}
	close(start)
	wg.Wait()

	s.Equal(1, created)
	s.Equal(callers-1, taken)

	list, err := s.repo.List(s.ctx)
	s.Require().NoError(err)
	s.Len(list, 1)
}
