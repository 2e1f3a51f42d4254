package service

import (
	"context"
	"testing"
	"time"

	"github.com/procurehub/be-po-orders/internal/repository"
)

const testHub int64 = 77

// seedResolverFixture builds a hub with two validator positions, each held
// by one validator bound to the same project and category.
func seedResolverFixture(env *testEnv) (*repository.Project, *repository.Position, *repository.Position, *repository.User, *repository.User) {
	store := env.store
	project := store.addProject(testHub, true)
	buyer := store.addPosition(testHub, "Buyer")
	manager := store.addPosition(testHub, "Manager")
	buyerUser := store.addUser(testHub, repository.RoleValidator, &buyer.ID, []int64{project.ID}, []int64{500})
	managerUser := store.addUser(testHub, repository.RoleValidator, &manager.ID, []int64{project.ID}, []int64{500})
	return project, buyer, manager, buyerUser, managerUser
}

func TestResolveBindsResponsiblePositions(t *testing.T) {
	env := newTestEnv()
	project, buyer, manager, _, _ := seedResolverFixture(env)

	order := env.store.addOrder(&repository.Order{
		HubID:       testHub,
		ProjectID:   &project.ID,
		CategoryIDs: []int64{500},
	})

	bindings, err := env.resolver.Resolve(context.Background(), order, false)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if len(bindings) != 2 {
		t.Fatalf("got %d bindings, want 2", len(bindings))
	}
	got := map[int64]bool{}
	for _, b := range bindings {
		got[b.PositionID] = true
		if b.Approved {
			t.Fatalf("fresh binding for position %d must not be approved", b.PositionID)
		}
	}
	if !got[buyer.ID] || !got[manager.ID] {
		t.Fatalf("bindings %v missing expected positions %d and %d", got, buyer.ID, manager.ID)
	}
}

func TestResolveIsIdempotent(t *testing.T) {
	env := newTestEnv()
	project, _, _, _, _ := seedResolverFixture(env)

	order := env.store.addOrder(&repository.Order{
		HubID:       testHub,
		ProjectID:   &project.ID,
		CategoryIDs: []int64{500},
	})

	first, err := env.resolver.Resolve(context.Background(), order, false)
	if err != nil {
		t.Fatalf("first Resolve() error: %v", err)
	}
	second, err := env.resolver.Resolve(context.Background(), order, false)
	if err != nil {
		t.Fatalf("second Resolve() error: %v", err)
	}
	if len(first) != len(second) {
		t.Fatalf("binding count changed between resolves: %d then %d", len(first), len(second))
	}
}

func TestResolveCarriesApprovalForward(t *testing.T) {
	env := newTestEnv()
	project, buyer, _, buyerUser, _ := seedResolverFixture(env)

	order := env.store.addOrder(&repository.Order{
		HubID:       testHub,
		ProjectID:   &project.ID,
		CategoryIDs: []int64{500},
	})

	if _, err := env.resolver.Resolve(context.Background(), order, false); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	now := time.Now().UTC()
	if err := env.store.Positions().SetApproved(context.Background(), order.ID, buyer.ID, true, &buyerUser.ID, now); err != nil {
		t.Fatalf("SetApproved() error: %v", err)
	}

	bindings, err := env.resolver.Resolve(context.Background(), order, false)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	for _, b := range bindings {
		if b.PositionID == buyer.ID {
			if !b.Approved {
				t.Fatal("approval state was not carried forward for a surviving position")
			}
			if b.UserID == nil || *b.UserID != buyerUser.ID {
				t.Fatal("approving user was not carried forward")
			}
			return
		}
	}
	t.Fatalf("position %d missing from bindings", buyer.ID)
}

func TestResolveSeedsFromWholeOrderApproval(t *testing.T) {
	env := newTestEnv()
	project, _, _, _, _ := seedResolverFixture(env)
	store := env.store

	// A validator in a position that only becomes responsible once the
	// order picks up a second category.
	finance := store.addPosition(testHub, "Finance")
	financeUser := store.addUser(testHub, repository.RoleValidator, &finance.ID, []int64{project.ID}, []int64{600})

	order := store.addOrder(&repository.Order{
		HubID:       testHub,
		ProjectID:   &project.ID,
		CategoryIDs: []int64{500},
	})
	if _, err := env.resolver.Resolve(context.Background(), order, false); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	// The finance validator approves the whole order before their position
	// is part of the responsibility set.
	if err := store.Approvals().Upsert(context.Background(), &repository.OrderApproval{
		OrderID: order.ID,
		UserID:  financeUser.ID,
	}); err != nil {
		t.Fatalf("Upsert() error: %v", err)
	}

	order.CategoryIDs = []int64{500, 600}
	bindings, err := env.resolver.Resolve(context.Background(), order, false)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	for _, b := range bindings {
		if b.PositionID == finance.ID {
			if !b.Approved {
				t.Fatal("newly responsible position was not seeded from the existing whole-order approval")
			}
			if b.UserID == nil || *b.UserID != financeUser.ID {
				t.Fatal("seeded binding does not record the approving user")
			}
			return
		}
	}
	t.Fatalf("position %d missing from bindings", finance.ID)
}

func TestResolveClearsBindingsWithoutProject(t *testing.T) {
	env := newTestEnv()
	project, _, _, _, _ := seedResolverFixture(env)

	order := env.store.addOrder(&repository.Order{
		HubID:       testHub,
		ProjectID:   &project.ID,
		CategoryIDs: []int64{500},
	})
	if _, err := env.resolver.Resolve(context.Background(), order, false); err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}

	order.ProjectID = nil
	bindings, err := env.resolver.Resolve(context.Background(), order, false)
	if err != nil {
		t.Fatalf("Resolve() error: %v", err)
	}
	if len(bindings) != 0 {
		t.Fatalf("got %d bindings after removing the project, want 0", len(bindings))
	}
	stored, err := env.store.Positions().Bindings(context.Background(), order.ID)
	if err != nil {
		t.Fatalf("Bindings() error: %v", err)
	}
	if len(stored) != 0 {
		t.Fatalf("stale bindings were not cleared: %d remain", len(stored))
	}
}
