package authpw

import (
	"context"
	"database/sql"
	"errors"
	"testing"

	"redline/api/internal/store"
)

type fakeUserStore struct {
	users map[string]store.User
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{users: make(map[string]store.User)}
}

func (f *fakeUserStore) GetUserByName(_ context.Context, name string) (store.User, error) {
	u, ok := f.users[name]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return u, nil
}

func (f *fakeUserStore) CreateUser(_ context.Context, user store.User) error {
	f.users[user.DisplayName] = user
	return nil
}

func TestSignUpAndSignIn(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	user, err := svc.SignUp(ctx, SignUpRequest{Name: "rita", Password: "correct-horse", Role: "writer"})
	if err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if user.Role != "writer" || user.PasswordHash == "" {
		t.Errorf("user = %+v", user)
	}
	if user.PasswordHash == "correct-horse" {
		t.Error("password stored in the clear")
	}

	got, err := svc.SignIn(ctx, "rita", "correct-horse")
	if err != nil {
		t.Fatalf("sign in: %v", err)
	}
	if got.ID != user.ID {
		t.Errorf("signed in as %+v", got)
	}
}

func TestSignInWrongPassword(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Name: "rita", Password: "correct-horse"}); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if _, err := svc.SignIn(ctx, "rita", "wrong-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
	if _, err := svc.SignIn(ctx, "nobody", "correct-horse"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestSignUpDuplicateName(t *testing.T) {
	svc := NewService(newFakeUserStore())
	ctx := context.Background()

	if _, err := svc.SignUp(ctx, SignUpRequest{Name: "rita", Password: "correct-horse"}); err != nil {
		t.Fatalf("sign up: %v", err)
	}
	if _, err := svc.SignUp(ctx, SignUpRequest{Name: "rita", Password: "another-pass"}); !errors.Is(err, ErrNameTaken) {
		t.Errorf("err = %v, want ErrNameTaken", err)
	}
}

func TestSignUpRejectsShortPassword(t *testing.T) {
	svc := NewService(newFakeUserStore())
	if _, err := svc.SignUp(context.Background(), SignUpRequest{Name: "rita", Password: "short"}); err == nil {
		t.Error("short password accepted")
	}
}
