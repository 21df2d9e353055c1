package serialflash

import "time"

// Per-scheme protection opcodes. These are fixed by the scheme, not by
// the family, so they live here rather than in the descriptors.
const (
	at25ProtectSoftWrite   = 0x36
	at25ProtectLockWrite   = 0x33
	at25UnprotectSoftWrite = 0x39
	at25AssertLockProtect  = 0xD0

	at45ProtectWrite   = 0x3D
	at45ProtectPrefixA = 0x2A
	at45ProtectPrefixB = 0x7F
	at45ProtectDisable = 0x9A

	n25qWriteLockRegister = 0xE5

	mx25Unlock          = 0xF3
	mx25GangBlockUnlock = 0x98
)

// Unlock makes the whole device writable using the family's protection
// scheme.
func (d *Device) Unlock() error {
	switch d.desc.Lock {
	case LockWRSR:
		return d.unlockWRSR()
	case LockEWSR:
		return d.clearProtection()
	case LockAT25:
		return d.lockSectors(at25UnprotectSoftWrite, 0, d.size, false)
	case LockAT45:
		return d.unlockAT45()
	case LockWRLR:
		return d.unlockWRLR()
	case LockMX25:
		return d.unlockMX25()
	}
	return &NotSupportedError{Device: d.name, What: "unlock"}
}

// Lock write-protects [address, length) on families with per-sector
// protection. Partial sectors at the end of the range stay unprotected.
func (d *Device) Lock(address, length int64) error {
	switch d.desc.Lock {
	case LockAT25:
		return d.lockSectors(at25ProtectSoftWrite, address, length, false)
	}
	return &NotSupportedError{Device: d.name, What: "sector lock"}
}

// LockOTP permanently locks [address, length) down. This cannot be
// reverted.
func (d *Device) LockOTP(address, length int64) error {
	if d.desc.Lock == LockAT25 && d.desc.HasFeature(FeatOTPLock) {
		return d.lockSectors(at25ProtectLockWrite, address, length, true)
	}
	return &NotSupportedError{Device: d.name, What: "OTP lock"}
}

func (d *Device) unlockWRSR() error {
	if err := d.enableWrite(); err != nil {
		return err
	}
	cmd := []byte{d.desc.Commands.WriteStatus, srWEL}
	if _, err := d.spi.Exchange(cmd, 0); err != nil {
		return err
	}
	if tmg, err := d.desc.Timing(TimingLock, d.geoidx); err == nil {
		if err := d.waitFor(tmg); err != nil {
			return err
		}
	}
	_, status, err := d.Status()
	if err != nil {
		return err
	}
	if status&d.desc.StatusProtectMask != 0 {
		return &RequestError{Op: "unlock", Status: status}
	}
	return nil
}

// clearProtection drops all protection bits without verification. AAI
// write strategies call this before streaming.
func (d *Device) clearProtection() error {
	drain := Timing{Typical: 10 * time.Millisecond, Max: 100 * time.Millisecond}
	if tmg, err := d.desc.Timing(TimingSector, d.geoidx); err == nil && !tmg.zero() {
		drain = tmg
	}
	if d.desc.Lock == LockEWSR {
		if err := d.waitFor(drain); err != nil {
			return err
		}
		if err := d.enableWrite(); err != nil {
			return err
		}
		if _, err := d.spi.Exchange([]byte{d.desc.Commands.EnableWriteStatus}, 0); err != nil {
			return err
		}
	} else {
		if err := d.enableWrite(); err != nil {
			return err
		}
	}
	if _, err := d.spi.Exchange([]byte{d.desc.Commands.WriteStatus, 0x00}, 0); err != nil {
		return err
	}
	return d.waitFor(drain)
}

// lockSectors iterates whole sectors across the range, issuing one
// protection command per sector address.
func (d *Device) lockSectors(opcode byte, address, length int64, assert bool) error {
	sectorSize, err := d.desc.BlockSize(BlockSector, d.geoidx)
	if err != nil {
		return err
	}
	start := alignDown(address, sectorSize)
	end := alignDown(address+length, sectorSize)
	for addr := start; addr < end; addr += sectorSize {
		if err := d.enableWrite(); err != nil {
			return err
		}
		cmd := make([]byte, 4, 5)
		cmd[0] = opcode
		put24(cmd[1:], addr)
		if assert {
			cmd = append(cmd, at25AssertLockProtect)
		}
		if _, err := d.spi.Exchange(cmd, 0); err != nil {
			return err
		}
		if err := d.waitCompletion(TimingPage); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) unlockAT45() error {
	cmd := []byte{at45ProtectWrite, at45ProtectPrefixA, at45ProtectPrefixB, at45ProtectDisable}
	if _, err := d.spi.Exchange(cmd, 0); err != nil {
		return err
	}
	tmg, err := d.desc.Timing(TimingLock, d.geoidx)
	if err != nil || tmg.zero() {
		return nil
	}
	return d.waitFor(tmg)
}

// unlockWRLR clears the per-sector lock register across the array.
func (d *Device) unlockWRLR() error {
	if err := d.enableWrite(); err != nil {
		return err
	}
	sectorSize, err := d.desc.BlockSize(BlockSector, d.geoidx)
	if err != nil {
		return err
	}
	for addr := int64(0); addr < d.size; addr += sectorSize {
		cmd := make([]byte, 5)
		cmd[0] = n25qWriteLockRegister
		put24(cmd[1:], addr)
		cmd[4] = 0x00 // neither write lock nor lock down
		if _, err := d.spi.Exchange(cmd, 0); err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) unlockMX25() error {
	opcode := byte(mx25GangBlockUnlock)
	if len(d.name) > 0 && d.name[len(d.name)-1] == 'D' {
		opcode = mx25Unlock
	}
	if err := d.enableWrite(); err != nil {
		return err
	}
	if _, err := d.spi.Exchange([]byte{opcode}, 0); err != nil {
		return err
	}
	return d.waitCompletion(TimingPage)
}
