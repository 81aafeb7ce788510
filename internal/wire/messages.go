package wire

// SelectImageRequest is the typed payload of a SELECT_IMAGE request.
type SelectImageRequest struct {
	ProtocolVersion uint16
	Name            string
	RevisionID      uint16
	IsServer        bool
}

// Encode serializes r using the typed payload serializer.
func (r *SelectImageRequest) Encode(w *Writer) error {
	if err := w.PutUint16(r.ProtocolVersion); err != nil {
		return err
	}
	if err := w.PutString(r.Name); err != nil {
		return err
	}
	if err := w.PutUint16(r.RevisionID); err != nil {
		return err
	}
	var flag uint8
	if r.IsServer {
		flag = 1
	}
	return w.PutUint8(flag)
}

// Decode parses r out of a Reader positioned at the start of the payload.
func (r *SelectImageRequest) Decode(rd *Reader) error {
	var err error
	if r.ProtocolVersion, err = rd.GetUint16(); err != nil {
		return err
	}
	if r.Name, err = rd.GetString(); err != nil {
		return err
	}
	if r.RevisionID, err = rd.GetUint16(); err != nil {
		return err
	}
	flag, err := rd.GetUint8()
	if err != nil {
		return err
	}
	r.IsServer = flag != 0
	return nil
}

// SelectImageReply is the typed payload of a successful SELECT_IMAGE reply.
type SelectImageReply struct {
	ServerVersion uint16
	Name          string
	RevisionID    uint16
	FileSize      uint64
}

// Encode serializes r.
func (r *SelectImageReply) Encode(w *Writer) error {
	if err := w.PutUint16(r.ServerVersion); err != nil {
		return err
	}
	if err := w.PutString(r.Name); err != nil {
		return err
	}
	if err := w.PutUint16(r.RevisionID); err != nil {
		return err
	}
	return w.PutUint64(r.FileSize)
}

// Decode parses r.
func (r *SelectImageReply) Decode(rd *Reader) error {
	var err error
	if r.ServerVersion, err = rd.GetUint16(); err != nil {
		return err
	}
	if r.Name, err = rd.GetString(); err != nil {
		return err
	}
	if r.RevisionID, err = rd.GetUint16(); err != nil {
		return err
	}
	r.FileSize, err = rd.GetUint64()
	return err
}

// AltServerEntry is one entry of a GET_SERVERS reply.
type AltServerEntry struct {
	Host            string
	Port            uint16
	ProtocolVersion uint16
	IsPrivate       bool
	IsClientOnly    bool
	Comment         string
}

// GetServersReply is the typed payload of a GET_SERVERS reply: a
// snapshot of the registry, already filtered by the caller for
// IsPrivate/IsClientOnly.
type GetServersReply struct {
	Servers []AltServerEntry
}

// Encode serializes r.
func (r *GetServersReply) Encode(w *Writer) error {
	if err := w.PutUint32(uint32(len(r.Servers))); err != nil {
		return err
	}
	for _, s := range r.Servers {
		if err := w.PutString(s.Host); err != nil {
			return err
		}
		if err := w.PutUint16(s.Port); err != nil {
			return err
		}
		if err := w.PutUint16(s.ProtocolVersion); err != nil {
			return err
		}
		var flags uint8
		if s.IsPrivate {
			flags |= 1
		}
		if s.IsClientOnly {
			flags |= 2
		}
		if err := w.PutUint8(flags); err != nil {
			return err
		}
		if err := w.PutString(s.Comment); err != nil {
			return err
		}
	}
	return nil
}

// Decode parses r.
func (r *GetServersReply) Decode(rd *Reader) error {
	n, err := rd.GetUint32()
	if err != nil {
		return err
	}
	r.Servers = make([]AltServerEntry, 0, n)
	for i := uint32(0); i < n; i++ {
		var e AltServerEntry
		if e.Host, err = rd.GetString(); err != nil {
			return err
		}
		if e.Port, err = rd.GetUint16(); err != nil {
			return err
		}
		if e.ProtocolVersion, err = rd.GetUint16(); err != nil {
			return err
		}
		flags, err := rd.GetUint8()
		if err != nil {
			return err
		}
		e.IsPrivate = flags&1 != 0
		e.IsClientOnly = flags&2 != 0
		if e.Comment, err = rd.GetString(); err != nil {
			return err
		}
		r.Servers = append(r.Servers, e)
	}
	return nil
}

// LatestRidReply is the typed payload of a LATEST_RID reply.
type LatestRidReply struct {
	RevisionID uint16
}

// Encode serializes r.
func (r *LatestRidReply) Encode(w *Writer) error {
	return w.PutUint16(r.RevisionID)
}

// Decode parses r.
func (r *LatestRidReply) Decode(rd *Reader) error {
	var err error
	r.RevisionID, err = rd.GetUint16()
	return err
}
