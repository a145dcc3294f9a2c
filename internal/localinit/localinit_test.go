package localinit

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/serverlessdb/poolproxy/internal/computectl"
	"github.com/serverlessdb/poolproxy/internal/perr"
	"github.com/serverlessdb/poolproxy/internal/types"
)

type fakeComputeCtl struct {
	installCalls int
	grantCalls   int
	installErr   error
	grantErr     error
	lastInstall  computectl.InstallExtensionRequest
	lastGrant    computectl.GrantRoleRequest
}

func (f *fakeComputeCtl) InstallExtension(ctx context.Context, req computectl.InstallExtensionRequest) error {
	f.installCalls++
	f.lastInstall = req
	return f.installErr
}

func (f *fakeComputeCtl) GrantRole(ctx context.Context, req computectl.GrantRoleRequest) error {
	f.grantCalls++
	f.lastGrant = req
	return f.grantErr
}

func TestEnsureInitializedInstallsAndGrants(t *testing.T) {
	cc := &fakeComputeCtl{}
	init := NewInitializer(cc)

	info := types.ConnInfo{EndpointID: "ep1", DBName: "mydb", User: "alice"}
	if err := init.EnsureInitialized(context.Background(), info); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cc.installCalls != 1 {
		t.Errorf("expected install_extension to be called once, got %d", cc.installCalls)
	}
	if cc.grantCalls != 1 {
		t.Errorf("expected grant_role to be called once, got %d", cc.grantCalls)
	}
	if cc.lastInstall.Database != "mydb" || cc.lastInstall.Extension != extName {
		t.Errorf("unexpected install request: %+v", cc.lastInstall)
	}
	if cc.lastGrant.Role != "alice" || cc.lastGrant.Schema != extSchema {
		t.Errorf("unexpected grant request: %+v", cc.lastGrant)
	}
}

func TestEnsureInitializedSurfacesInstallFailureAsServiceError(t *testing.T) {
	cc := &fakeComputeCtl{installErr: errors.New("boom")}
	init := NewInitializer(cc)

	err := init.EnsureInitialized(context.Background(), types.ConnInfo{DBName: "mydb", User: "alice"})
	if err == nil {
		t.Fatal("expected an error")
	}
	var svcErr *perr.ComputeCtlError
	if !errors.As(err, &svcErr) {
		t.Fatalf("expected a *perr.ComputeCtlError, got %T", err)
	}
	if svcErr.ErrorKind() != perr.KindService {
		t.Errorf("expected KindService, got %v", svcErr.ErrorKind())
	}
	if cc.grantCalls != 0 {
		t.Error("grant_role must not run after install_extension fails")
	}
}

func TestEnsureInitializedSurfacesGrantFailure(t *testing.T) {
	cc := &fakeComputeCtl{grantErr: errors.New("no such role")}
	init := NewInitializer(cc)

	err := init.EnsureInitialized(context.Background(), types.ConnInfo{DBName: "mydb", User: "alice"})
	if err == nil {
		t.Fatal("expected an error")
	}
	var svcErr *perr.ComputeCtlError
	if !errors.As(err, &svcErr) || svcErr.Op != "grant_role" {
		t.Fatalf("expected a grant_role ComputeCtlError, got %v", err)
	}
}

func TestSigningKeyProducesValidEd25519OKPJWK(t *testing.T) {
	key, err := newSigningKey()
	if err != nil {
		t.Fatalf("newSigningKey: %v", err)
	}
	if len(key.Public) == 0 || len(key.Private) == 0 {
		t.Fatal("expected non-empty key material")
	}

	jwkJSON, err := key.jwkJSON()
	if err != nil {
		t.Fatalf("jwkJSON: %v", err)
	}
	if jwkJSON == "" {
		t.Fatal("expected non-empty JWK JSON")
	}
	// the private half must never be serialized into the startup option
	// handed to the compute.
	if strings.Contains(jwkJSON, `"d":`) {
		t.Errorf("JWK JSON must not carry the private key component: %s", jwkJSON)
	}
}
