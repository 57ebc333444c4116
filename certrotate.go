package shadowguard

// RotateRoot discards the persisted root, flushes every cached leaf,
// and generates a fresh root in its place. Connections established
// before the rotation keep serving certificates chained to the old
// root; new handshakes mint leaves under the new one. The new root
// must be reinstalled in the device trust store.
func (ca *CertAuthority) RotateRoot() error {
	if err := ca.DeleteRoot(); err != nil {
		return err
	}
	if err := ca.LoadOrCreateRoot(); err != nil {
		return err
	}
	ca.Logger.Info("rotated root CA", "expires", ca.RootCertificate().NotAfter)
	return nil
}
