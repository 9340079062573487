package keys

import (
	"fmt"

	"github.com/miekg/pkcs11"

	"github.com/credman/credman/pkg/config"
)

// PKCS11Backend wraps and unwraps data keys with the master key held
// in a PKCS#11 token. The module handle is process-wide and opened
// once; every operation uses its own session which is logged out and
// closed on all exit paths.
type PKCS11Backend struct {
	ctx      *pkcs11.Ctx
	slot     uint
	pin      string
	keyLabel string
}

// NewPKCS11Backend loads the PKCS#11 module and initializes it.
func NewPKCS11Backend(cfg config.HSM) (*PKCS11Backend, error) {
	ctx := pkcs11.New(cfg.Module)
	if ctx == nil {
		return nil, &HsmError{Op: "load", Err: fmt.Errorf("cannot load module %s", cfg.Module)}
	}
	if err := ctx.Initialize(); err != nil {
		ctx.Destroy()
		return nil, &HsmError{Op: "initialize", Err: err}
	}
	return &PKCS11Backend{
		ctx:      ctx,
		slot:     uint(cfg.SlotID),
		pin:      cfg.PIN,
		keyLabel: cfg.KeyLabel,
	}, nil
}

// WrapKey encrypts key under the master key with CKM_AES_CBC_PAD.
func (b *PKCS11Backend) WrapKey(key, iv []byte) ([]byte, error) {
	var out []byte
	err := b.withSession(func(session pkcs11.SessionHandle, master pkcs11.ObjectHandle) error {
		mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_AES_CBC_PAD, iv)}
		if err := b.ctx.EncryptInit(session, mech, master); err != nil {
			return &HsmError{Op: "encrypt init", Err: err}
		}
		wrapped, err := b.ctx.Encrypt(session, key)
		if err != nil {
			return &HsmError{Op: "encrypt", Err: err}
		}
		out = wrapped
		return nil
	})
	return out, err
}

// UnwrapKey decrypts a wrapped key under the master key.
func (b *PKCS11Backend) UnwrapKey(wrapped, iv []byte) ([]byte, error) {
	var out []byte
	err := b.withSession(func(session pkcs11.SessionHandle, master pkcs11.ObjectHandle) error {
		mech := []*pkcs11.Mechanism{pkcs11.NewMechanism(pkcs11.CKM_AES_CBC_PAD, iv)}
		if err := b.ctx.DecryptInit(session, mech, master); err != nil {
			return &HsmError{Op: "decrypt init", Err: err}
		}
		plain, err := b.ctx.Decrypt(session, wrapped)
		if err != nil {
			return &HsmError{Op: "decrypt", Err: err}
		}
		out = plain
		return nil
	})
	return out, err
}

// Close finalizes and unloads the module.
func (b *PKCS11Backend) Close() error {
	if err := b.ctx.Finalize(); err != nil {
		b.ctx.Destroy()
		return &HsmError{Op: "finalize", Err: err}
	}
	b.ctx.Destroy()
	return nil
}

// withSession opens a session, logs in, locates the master key, runs
// fn, and tears the session down again whatever fn returns.
func (b *PKCS11Backend) withSession(fn func(pkcs11.SessionHandle, pkcs11.ObjectHandle) error) error {
	session, err := b.ctx.OpenSession(b.slot, pkcs11.CKF_SERIAL_SESSION)
	if err != nil {
		return &HsmError{Op: "open session", Err: err}
	}
	defer b.ctx.CloseSession(session)

	if err := b.ctx.Login(session, pkcs11.CKU_USER, b.pin); err != nil {
		return &HsmError{Op: "login", Err: err}
	}
	defer b.ctx.Logout(session)

	master, err := b.findMasterKey(session)
	if err != nil {
		return err
	}
	return fn(session, master)
}

// findMasterKey locates the master key by label and secret-key class.
func (b *PKCS11Backend) findMasterKey(session pkcs11.SessionHandle) (pkcs11.ObjectHandle, error) {
	template := []*pkcs11.Attribute{
		pkcs11.NewAttribute(pkcs11.CKA_LABEL, b.keyLabel),
		pkcs11.NewAttribute(pkcs11.CKA_CLASS, pkcs11.CKO_SECRET_KEY),
	}
	if err := b.ctx.FindObjectsInit(session, template); err != nil {
		return 0, &HsmError{Op: "find key", Err: err}
	}
	objs, _, err := b.ctx.FindObjects(session, 1)
	finErr := b.ctx.FindObjectsFinal(session)
	if err != nil {
		return 0, &HsmError{Op: "find key", Err: err}
	}
	if finErr != nil {
		return 0, &HsmError{Op: "find key", Err: finErr}
	}
	if len(objs) == 0 {
		return 0, &HsmError{Op: "find key", Err: fmt.Errorf("master key %q not found", b.keyLabel)}
	}
	return objs[0], nil
}
